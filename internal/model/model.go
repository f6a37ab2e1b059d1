// Package model defines the core domain types shared across the market
// console. All prices and monetary values use shopspring/decimal — never
// float64 for money.
package model

import (
	"github.com/shopspring/decimal"
)

// Player is one tradable player as listed by the backend catalog.
// The catalog record carries no price; Price is attached locally from the
// price-history endpoint or from pushed tick events.
type Player struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	Team          string           `json:"team"`
	Position      string           `json:"position"`
	Nationality   string           `json:"nationality"`
	CWCStatus     string           `json:"cwc_status"`
	ImageURL      string           `json:"image_url"`
	MomentumScore decimal.Decimal  `json:"momentum_score"`
	Price         *decimal.Decimal `json:"price,omitempty"`
}

// Identity is the resolved owner of an accepted auth token.
type Identity struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Position is a user's holding of one player. Every field is owned and
// computed by the backend; the console never derives these values itself.
type Position struct {
	PlayerID   int64           `json:"player_id"`
	PlayerName string          `json:"player_name"`
	Quantity   int64           `json:"quantity"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Price      decimal.Decimal `json:"price"`
	PnL        decimal.Decimal `json:"pnl"`
}

// Portfolio aggregates a user's cash, equity, and positions. It is replaced
// wholesale on every successful fetch — there is no incremental merge.
type Portfolio struct {
	Cash      decimal.Decimal `json:"cash"`
	Equity    decimal.Decimal `json:"equity"`
	Positions []Position      `json:"positions"`
}

// ChatMessage is one entry of the append-only chat log. Key is the backend
// id when the message carried one, or a synthesized local key otherwise.
type ChatMessage struct {
	Key     string `json:"id"`
	Message string `json:"message"`
}

// PriceTick is one row of a player's price history.
type PriceTick struct {
	Price decimal.Decimal `json:"price"`
	Event string          `json:"event,omitempty"`
}

// TickEvent is a live price update pushed on the ticks stream.
type TickEvent struct {
	Type     string          `json:"type"`
	PlayerID int64           `json:"player_id"`
	Price    decimal.Decimal `json:"price"`
}

// ChatEvent is a chat message pushed on the chat stream. ID may be absent;
// the receiver synthesizes a local key so the message can still be listed.
type ChatEvent struct {
	Type    string `json:"type"`
	ID      *int64 `json:"id,omitempty"`
	Message string `json:"message"`
}
