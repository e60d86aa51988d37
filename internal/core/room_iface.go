package core

import (
	"context"

	"github.com/dkeye/SaleFeed/internal/domain"
)

// RoomInfo is one line of the registry snapshot: a game and its member count.
type RoomInfo struct {
	GameID  domain.GameID `json:"game_id"`
	Members int           `json:"members"`
}

// Hub is what sessions and event producers see of the registry.
type Hub interface {
	Connect(ctx context.Context, room domain.GameID, rcpt Recipient) (SessionID, error)
	Disconnect(sid SessionID)
	Broadcast(room domain.GameID, sale domain.Sale)
}

//go:generate mockgen -destination=mocks/authorizer.go -package=mocks github.com/dkeye/SaleFeed/internal/core Authorizer

// Authorizer answers "is user a participant of game?" for the upgrade handler.
type Authorizer interface {
	IsParticipant(ctx context.Context, game domain.GameID, user domain.UserID) (bool, error)
}
