package app

import (
	"github.com/cockroachdb/errors"

	"github.com/dkeye/SaleFeed/internal/core"
	"github.com/dkeye/SaleFeed/internal/domain"
)

type BackpressureAction int

const (
	DropEvent BackpressureAction = iota
	EvictMember
)

// Policy decides what happens to a member whose outbound queue is full.
type Policy interface {
	OnBackPressure(room domain.GameID, sid core.SessionID) BackpressureAction
}

type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.GameID, core.SessionID) BackpressureAction {
	return DropEvent
}

type EvictPolicy struct{}

func (EvictPolicy) OnBackPressure(domain.GameID, core.SessionID) BackpressureAction {
	return EvictMember
}

// PolicyByName maps the backpressure_policy config value.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "drop":
		return DropPolicy{}, nil
	case "evict":
		return EvictPolicy{}, nil
	}
	return nil, errors.Newf("unknown backpressure policy %q", name)
}
