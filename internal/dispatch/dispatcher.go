// Package dispatch turns user intents — trading, chatting, admin edits,
// session changes — into backend calls and confirmed state transitions.
// Local validation is cheap and non-authoritative; the backend's stated
// rejection reason always travels back to the user verbatim, and no
// command is ever retried automatically.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/market"
	"github.com/playerstock/market-console/internal/metrics"
	"github.com/playerstock/market-console/internal/session"
)

var (
	// ErrNotAuthenticated is returned when a command requires a session
	// identity and none is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidSide is returned when a trade side is not buy or sell.
	ErrInvalidSide = errors.New("side must be buy or sell")

	// ErrNonPositiveQuantity is returned for zero or negative quantities.
	ErrNonPositiveQuantity = errors.New("quantity must be a positive integer")

	// ErrNonPositiveAmount is returned for zero or negative money amounts.
	ErrNonPositiveAmount = errors.New("amount must be positive")

	// ErrMissingName is returned when a player create lacks a name.
	ErrMissingName = errors.New("player name is required")
)

// Dispatcher executes user commands against the backend and merges the
// confirmed results back into the reconciliation state.
type Dispatcher struct {
	api   *backend.Client
	sess  *session.Session
	state *market.State
}

// New creates a dispatcher.
func New(api *backend.Client, sess *session.Session, state *market.State) *Dispatcher {
	return &Dispatcher{api: api, sess: sess, state: state}
}

// TradeOutcome reports a confirmed execution for display.
type TradeOutcome struct {
	Side       string          `json:"side"`
	Quantity   int64           `json:"quantity"`
	PlayerName string          `json:"player_name"`
	Price      decimal.Decimal `json:"price"`
}

// Trade submits a buy or sell order for one player. The backend determines
// the fill price and balance sufficiency; on acceptance the portfolio and
// catalog are refetched rather than patched locally.
func (d *Dispatcher) Trade(ctx context.Context, side string, playerID int64, quantity int64) (TradeOutcome, error) {
	cmdID := uuid.New().String()

	if !d.sess.Authenticated() {
		return TradeOutcome{}, d.reject("trade", cmdID, ErrNotAuthenticated)
	}
	if side != "buy" && side != "sell" {
		return TradeOutcome{}, d.reject("trade", cmdID, ErrInvalidSide)
	}
	if quantity <= 0 {
		return TradeOutcome{}, d.reject("trade", cmdID, ErrNonPositiveQuantity)
	}
	player, ok := d.state.Player(playerID)
	if !ok {
		return TradeOutcome{}, d.reject("trade", cmdID, market.ErrUnknownPlayer)
	}

	res, err := d.api.Trade(ctx, backend.TradeRequest{
		Side:     side,
		PlayerID: playerID,
		Quantity: quantity,
	})
	if err != nil {
		// Backend rejection: state stays untouched, reason goes back
		// unchanged.
		return TradeOutcome{}, d.reject("trade", cmdID, err)
	}

	// Confirmed: settlement is backend math, so refetch rather than patch.
	if err := d.state.RefreshPortfolio(ctx); err != nil {
		slog.Warn("portfolio refetch failed", "cmd", "trade", "cmd_id", cmdID, "err", err)
	}
	if err := d.state.RefreshCatalog(ctx); err != nil {
		slog.Warn("catalog refetch failed", "cmd", "trade", "cmd_id", cmdID, "err", err)
	}
	slog.Info("trade confirmed",
		"cmd_id", cmdID,
		"side", side,
		"player", player.Name,
		"qty", quantity,
		"price", res.Price.String(),
	)
	metrics.CommandsTotal.WithLabelValues("trade", "ok").Inc()

	return TradeOutcome{
		Side:       side,
		Quantity:   quantity,
		PlayerName: player.Name,
		Price:      res.Price,
	}, nil
}

// SendChat posts one chat message. Anonymous senders are allowed.
// Whitespace-only text is a local no-op: no request leaves the process.
func (d *Dispatcher) SendChat(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		metrics.CommandsTotal.WithLabelValues("chat", "noop").Inc()
		return nil
	}
	cmdID := uuid.New().String()

	if err := d.api.SendChat(ctx, text); err != nil {
		return d.reject("chat", cmdID, err)
	}
	if err := d.state.RefreshChat(ctx); err != nil {
		slog.Warn("chat refetch after send failed", "cmd_id", cmdID, "err", err)
	}
	metrics.CommandsTotal.WithLabelValues("chat", "ok").Inc()
	return nil
}

// CreatePlayer adds a player to the catalog. Admin command.
func (d *Dispatcher) CreatePlayer(ctx context.Context, req backend.CreatePlayerRequest) error {
	cmdID := uuid.New().String()

	if !d.sess.Authenticated() {
		return d.reject("create_player", cmdID, ErrNotAuthenticated)
	}
	if strings.TrimSpace(req.Name) == "" {
		return d.reject("create_player", cmdID, ErrMissingName)
	}

	created, err := d.api.CreatePlayer(ctx, req)
	if err != nil {
		return d.reject("create_player", cmdID, err)
	}

	if err := d.state.RefreshCatalog(ctx); err != nil {
		slog.Warn("catalog refetch failed", "cmd", "create_player", "cmd_id", cmdID, "err", err)
	}
	slog.Info("player created", "cmd_id", cmdID, "player_id", created.ID, "name", created.Name)
	metrics.CommandsTotal.WithLabelValues("create_player", "ok").Inc()
	return nil
}

// AddPriceTick inserts a price tick for one player. Admin command. The
// catalog refetch picks up the new price, including the selected slot.
func (d *Dispatcher) AddPriceTick(ctx context.Context, playerID int64, price decimal.Decimal, event string) error {
	cmdID := uuid.New().String()

	if !d.sess.Authenticated() {
		return d.reject("add_tick", cmdID, ErrNotAuthenticated)
	}
	if !price.IsPositive() {
		return d.reject("add_tick", cmdID, ErrNonPositiveAmount)
	}

	if err := d.api.AddTick(ctx, playerID, price, event); err != nil {
		return d.reject("add_tick", cmdID, err)
	}

	if err := d.state.RefreshCatalog(ctx); err != nil {
		slog.Warn("catalog refetch failed", "cmd", "add_tick", "cmd_id", cmdID, "err", err)
	}
	metrics.CommandsTotal.WithLabelValues("add_tick", "ok").Inc()
	return nil
}

// DepositFunds credits the wallet. Admin command; the demo backend applies
// balances manually, so provider defaults to manual.
func (d *Dispatcher) DepositFunds(ctx context.Context, amount decimal.Decimal, provider string) error {
	cmdID := uuid.New().String()

	if !d.sess.Authenticated() {
		return d.reject("deposit", cmdID, ErrNotAuthenticated)
	}
	if !amount.IsPositive() {
		return d.reject("deposit", cmdID, ErrNonPositiveAmount)
	}
	if provider == "" {
		provider = "manual"
	}

	if err := d.api.Deposit(ctx, amount, provider); err != nil {
		return d.reject("deposit", cmdID, err)
	}

	if err := d.state.RefreshPortfolio(ctx); err != nil {
		slog.Warn("portfolio refetch failed", "cmd", "deposit", "cmd_id", cmdID, "err", err)
	}
	metrics.CommandsTotal.WithLabelValues("deposit", "ok").Inc()
	return nil
}

// --- Session commands ---
// These live here rather than on the session alone so the portfolio state
// transitions stay coupled to the auth transitions: a portfolio exists
// exactly while an identity does.

// Login authenticates and loads the portfolio for the new identity.
func (d *Dispatcher) Login(ctx context.Context, email, password string) error {
	if err := d.sess.Login(ctx, email, password); err != nil {
		metrics.CommandsTotal.WithLabelValues("login", "rejected").Inc()
		return err
	}
	if err := d.state.RefreshPortfolio(ctx); err != nil {
		slog.Warn("portfolio fetch after login failed", "err", err)
	}
	metrics.CommandsTotal.WithLabelValues("login", "ok").Inc()
	return nil
}

// Register creates an account, authenticates, and loads the portfolio.
func (d *Dispatcher) Register(ctx context.Context, name, email, password string) error {
	if err := d.sess.Register(ctx, name, email, password); err != nil {
		metrics.CommandsTotal.WithLabelValues("register", "rejected").Inc()
		return err
	}
	if err := d.state.RefreshPortfolio(ctx); err != nil {
		slog.Warn("portfolio fetch after register failed", "err", err)
	}
	metrics.CommandsTotal.WithLabelValues("register", "ok").Inc()
	return nil
}

// Logout clears the session and drops the portfolio in the same step, so
// no read between the two can observe a stale pre-logout portfolio.
func (d *Dispatcher) Logout() {
	d.sess.Logout()
	d.state.ClearPortfolio()
	metrics.CommandsTotal.WithLabelValues("logout", "ok").Inc()
}

// reject records a failed command and hands the reason back unchanged.
func (d *Dispatcher) reject(kind, cmdID string, err error) error {
	outcome := "invalid"
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		outcome = "rejected"
	}
	metrics.CommandsTotal.WithLabelValues(kind, outcome).Inc()
	slog.Info("command refused", "cmd", kind, "cmd_id", cmdID, "reason", err.Error())
	return err
}
