// Package view exposes the reconciled market state and the user commands
// on the console's local HTTP surface. Handlers are stateless renderers:
// every read is a snapshot of the reconciliation state, every write goes
// through the dispatcher.
package view

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/dispatch"
	"github.com/playerstock/market-console/internal/market"
	"github.com/playerstock/market-console/internal/session"
)

// Handlers bundles the view's dependencies.
type Handlers struct {
	state *market.State
	sess  *session.Session
	cmds  *dispatch.Dispatcher
}

// New creates the view handlers.
func New(state *market.State, sess *session.Session, cmds *dispatch.Dispatcher) *Handlers {
	return &Handlers{state: state, sess: sess, cmds: cmds}
}

// Routes mounts all view and command endpoints on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/view", func(r chi.Router) {
		r.Get("/market", h.Market)
		r.Get("/portfolio", h.Portfolio)
		r.Get("/chat", h.Chat)
		r.Get("/selected", h.Selected)
		r.Get("/session", h.SessionInfo)
	})

	r.Route("/session", func(r chi.Router) {
		r.Post("/login", h.Login)
		r.Post("/register", h.Register)
		r.Post("/logout", h.Logout)
	})

	r.Route("/commands", func(r chi.Router) {
		r.Post("/select", h.Select)
		r.Post("/deselect", h.Deselect)
		r.Post("/search", h.Search)
		r.Post("/trade", h.Trade)
		r.Post("/chat", h.SendChat)
		r.Post("/players", h.CreatePlayer)
		r.Post("/ticks", h.AddTick)
		r.Post("/deposit", h.Deposit)
	})
}

// --- Reads ---

// Market handles GET /view/market.
func (h *Handlers) Market(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()
	rows := make([]MarketRow, 0, len(snap.Players))
	for _, p := range snap.Players {
		rows = append(rows, marketRow(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": rows})
}

// Portfolio handles GET /view/portfolio. An anonymous session always gets
// the not-authenticated message, never a stale portfolio.
func (h *Handlers) Portfolio(w http.ResponseWriter, r *http.Request) {
	if !h.sess.Authenticated() {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	snap := h.state.Snapshot()
	if snap.Portfolio == nil {
		writeError(w, "portfolio not loaded yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, portfolioView(*snap.Portfolio))
}

// Chat handles GET /view/chat.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"messages": snap.Chat})
}

// Selected handles GET /view/selected.
func (h *Handlers) Selected(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()
	if snap.Selected == nil {
		writeJSON(w, http.StatusOK, map[string]any{"selected": nil})
		return
	}
	row := marketRow(*snap.Selected)
	writeJSON(w, http.StatusOK, map[string]any{"selected": row})
}

// SessionInfo handles GET /view/session.
func (h *Handlers) SessionInfo(w http.ResponseWriter, r *http.Request) {
	if identity, ok := h.sess.Identity(); ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "name": identity.Name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}

// --- Session commands ---

// Login handles POST /session/login.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.cmds.Login(r.Context(), req.Email, req.Password); err != nil {
		writeCommandError(w, err)
		return
	}
	h.SessionInfo(w, r)
}

// Register handles POST /session/register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.cmds.Register(r.Context(), req.Name, req.Email, req.Password); err != nil {
		writeCommandError(w, err)
		return
	}
	h.SessionInfo(w, r)
}

// Logout handles POST /session/logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.cmds.Logout()
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}

// --- Market commands ---

// Select handles POST /commands/select.
func (h *Handlers) Select(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID int64 `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.state.Select(req.PlayerID); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	h.Selected(w, r)
}

// Deselect handles POST /commands/deselect.
func (h *Handlers) Deselect(w http.ResponseWriter, r *http.Request) {
	h.state.ClearSelection()
	writeJSON(w, http.StatusOK, map[string]any{"selected": nil})
}

// Search handles POST /commands/search: sets the catalog query and
// refreshes immediately.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"q"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.state.SetSearch(req.Query)
	if err := h.state.RefreshCatalog(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	h.Market(w, r)
}

// Trade handles POST /commands/trade. With no player_id it targets the
// selected player; with no quantity it trades one share. Quantity is a
// pointer so an absent field is distinguishable from an explicit zero:
// absent defaults to one share, zero flows through to rejection.
func (h *Handlers) Trade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Side     string `json:"side"`
		PlayerID int64  `json:"player_id"`
		Quantity *int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == 0 {
		selected, ok := h.state.Selected()
		if !ok {
			writeError(w, "select a player to trade", http.StatusBadRequest)
			return
		}
		req.PlayerID = selected.ID
	}
	quantity := int64(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	outcome, err := h.cmds.Trade(r.Context(), req.Side, req.PlayerID, quantity)
	if err != nil {
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Order confirmed: %s %d %s @ %s",
			outcome.Side, outcome.Quantity, outcome.PlayerName, formatMoney(outcome.Price)),
		"outcome": outcome,
	})
}

// SendChat handles POST /commands/chat.
func (h *Handlers) SendChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.cmds.SendChat(r.Context(), req.Message); err != nil {
		writeCommandError(w, err)
		return
	}
	h.Chat(w, r)
}

// CreatePlayer handles POST /commands/players.
func (h *Handlers) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req backend.CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.cmds.CreatePlayer(r.Context(), req); err != nil {
		writeCommandError(w, err)
		return
	}
	h.Market(w, r)
}

// AddTick handles POST /commands/ticks.
func (h *Handlers) AddTick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID int64           `json:"player_id"`
		Price    decimal.Decimal `json:"price"`
		Event    string          `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.cmds.AddPriceTick(r.Context(), req.PlayerID, req.Price, req.Event); err != nil {
		writeCommandError(w, err)
		return
	}
	h.Selected(w, r)
}

// Deposit handles POST /commands/deposit.
func (h *Handlers) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount   decimal.Decimal `json:"amount"`
		Provider string          `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.cmds.DepositFunds(r.Context(), req.Amount, req.Provider); err != nil {
		writeCommandError(w, err)
		return
	}
	h.Portfolio(w, r)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCommandError maps a dispatcher failure onto the local surface.
// Backend rejections keep their status and verbatim detail text; local
// validation failures are bad requests; missing auth is unauthorized.
func writeCommandError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &apiErr):
		writeError(w, apiErr.Detail, apiErr.StatusCode)
	case errors.Is(err, dispatch.ErrNotAuthenticated):
		writeError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, market.ErrUnknownPlayer):
		writeError(w, err.Error(), http.StatusNotFound)
	default:
		writeError(w, err.Error(), http.StatusBadRequest)
	}
}
