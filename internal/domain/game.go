// Package domain holds the game, user and sale types shared by every layer.
package domain

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

var ErrInvalidGameID = errors.New("invalid game id")

type (
	GameID int64
	UserID int64
)

// ParseGameID accepts the decimal form used in URL paths.
func ParseGameID(raw string) (GameID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(ErrInvalidGameID, "%q", raw)
	}
	return GameID(id), nil
}

func (id GameID) String() string { return strconv.FormatInt(int64(id), 10) }
