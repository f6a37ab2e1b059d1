package view

import (
	"github.com/shopspring/decimal"

	"github.com/playerstock/market-console/internal/model"
)

// formatPrice renders a price for display with two decimal places, or the
// placeholder dash when no price is known yet.
func formatPrice(p *decimal.Decimal) string {
	if p == nil {
		return "-"
	}
	return "$" + p.StringFixed(2)
}

func formatMoney(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// orDash substitutes the placeholder dash for empty display fields.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// MarketRow is one rendered catalog line.
type MarketRow struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Team     string `json:"team"`
	Position string `json:"position"`
	Status   string `json:"status"`
	Price    string `json:"price"`
	Momentum string `json:"momentum"`
	ImageURL string `json:"image_url,omitempty"`
}

func marketRow(p model.Player) MarketRow {
	return MarketRow{
		ID:       p.ID,
		Name:     p.Name,
		Team:     p.Team,
		Position: orDash(p.Position),
		Status:   orDash(p.CWCStatus),
		Price:    formatPrice(p.Price),
		Momentum: p.MomentumScore.StringFixed(2),
		ImageURL: p.ImageURL,
	}
}

// PositionRow is one rendered portfolio holding.
type PositionRow struct {
	PlayerID   int64  `json:"player_id"`
	PlayerName string `json:"player_name"`
	Quantity   int64  `json:"quantity"`
	AvgPrice   string `json:"avg_price"`
	Price      string `json:"price"`
	PnL        string `json:"pnl"`
}

// PortfolioView is the rendered portfolio.
type PortfolioView struct {
	Cash      string        `json:"cash"`
	Equity    string        `json:"equity"`
	Positions []PositionRow `json:"positions"`
}

func portfolioView(pf model.Portfolio) PortfolioView {
	v := PortfolioView{
		Cash:      formatMoney(pf.Cash),
		Equity:    formatMoney(pf.Equity),
		Positions: make([]PositionRow, 0, len(pf.Positions)),
	}
	for _, pos := range pf.Positions {
		v.Positions = append(v.Positions, PositionRow{
			PlayerID:   pos.PlayerID,
			PlayerName: pos.PlayerName,
			Quantity:   pos.Quantity,
			AvgPrice:   formatMoney(pos.AvgPrice),
			Price:      formatMoney(pos.Price),
			PnL:        formatMoney(pos.PnL),
		})
	}
	return v
}
