package domain

import "time"

const SaleEventType = "sale"

// Sale is the notification pushed to every session joined to a game.
type Sale struct {
	Type     string    `json:"type"`
	GameID   GameID    `json:"game_id"`
	Item     string    `json:"item"`
	Quantity int64     `json:"quantity,omitempty"`
	Price    int64     `json:"price,omitempty"`
	SellerID UserID    `json:"seller_id,omitempty"`
	BuyerID  UserID    `json:"buyer_id,omitempty"`
	At       time.Time `json:"at"`
}

// NewSale returns a sale of item in game with the type tag already set.
func NewSale(game GameID, item string, at time.Time) Sale {
	return Sale{Type: SaleEventType, GameID: game, Item: item, At: at}
}
