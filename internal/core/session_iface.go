package core

import (
	"github.com/cockroachdb/errors"

	"github.com/dkeye/SaleFeed/internal/domain"
)

// SessionID is issued by the registry; zero means "not registered".
type SessionID uint64

// Recipient is the outbound handle a room stores and fans out to.
// Deliver must not block: it enqueues and returns.
type Recipient interface {
	Deliver(domain.Sale) error
	// Evict asks the owner to terminate; it never touches the transport directly.
	Evict()
}

var (
	// ErrBackpressure means the recipient's outbound queue is full; the event was dropped.
	ErrBackpressure = errors.New("backpressure")
	// ErrRecipientClosed means the recipient has terminated and will never accept again.
	ErrRecipientClosed = errors.New("recipient closed")
)
