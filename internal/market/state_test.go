package market_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/market"
	"github.com/playerstock/market-console/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeBackend serves the catalog, price-history, chat, and portfolio
// endpoints the reconciliation state refetches from.
type fakeBackend struct {
	mu        sync.Mutex
	players   []model.Player
	prices    map[int64][]model.PriceTick
	chat      []backend.ChatEntry
	portfolio *model.Portfolio

	// onPrices and onPortfolio run inside their handlers, before
	// responding. Tests use them to interleave state mutations with an
	// in-flight refresh.
	onPrices    func(playerID int64)
	onPortfolio func()
	onChat      func()

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{prices: make(map[int64][]model.PriceTick)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /players", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		json.NewEncoder(w).Encode(fb.players)
	})
	mux.HandleFunc("GET /players/{id}/prices", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		fb.mu.Lock()
		hook := fb.onPrices
		fb.mu.Unlock()
		if hook != nil {
			hook(id)
		}
		fb.mu.Lock()
		ticks := fb.prices[id]
		fb.mu.Unlock()
		if ticks == nil {
			ticks = []model.PriceTick{}
		}
		json.NewEncoder(w).Encode(ticks)
	})
	mux.HandleFunc("GET /chat", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		hook := fb.onChat
		fb.mu.Unlock()
		if hook != nil {
			hook()
		}
		fb.mu.Lock()
		defer fb.mu.Unlock()
		entries := fb.chat
		if entries == nil {
			entries = []backend.ChatEntry{}
		}
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("GET /portfolio", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		hook := fb.onPortfolio
		fb.mu.Unlock()
		if hook != nil {
			hook()
		}
		fb.mu.Lock()
		defer fb.mu.Unlock()
		if fb.portfolio == nil {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Not authenticated"})
			return
		}
		json.NewEncoder(w).Encode(fb.portfolio)
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) client() *backend.Client {
	return backend.NewClient(backend.WithBaseURL(fb.srv.URL))
}

func (fb *fakeBackend) setPlayers(players ...model.Player) {
	fb.mu.Lock()
	fb.players = players
	fb.mu.Unlock()
}

func (fb *fakeBackend) setPrice(playerID int64, price decimal.Decimal) {
	fb.mu.Lock()
	fb.prices[playerID] = []model.PriceTick{{Price: price}}
	fb.mu.Unlock()
}

func (fb *fakeBackend) setOnPrices(hook func(playerID int64)) {
	fb.mu.Lock()
	fb.onPrices = hook
	fb.mu.Unlock()
}

func (fb *fakeBackend) setOnPortfolio(hook func()) {
	fb.mu.Lock()
	fb.onPortfolio = hook
	fb.mu.Unlock()
}

func (fb *fakeBackend) setOnChat(hook func()) {
	fb.mu.Lock()
	fb.onChat = hook
	fb.mu.Unlock()
}

func (fb *fakeBackend) clearPrices() {
	fb.mu.Lock()
	fb.prices = make(map[int64][]model.PriceTick)
	fb.mu.Unlock()
}

func player(id int64, name string) model.Player {
	return model.Player{ID: id, Name: name, Team: "Team " + name}
}

func priceOf(t *testing.T, snap market.Snapshot, playerID int64) decimal.Decimal {
	t.Helper()
	for _, p := range snap.Players {
		if p.ID == playerID {
			if p.Price == nil {
				t.Fatalf("player %d has no price", playerID)
			}
			return *p.Price
		}
	}
	t.Fatalf("player %d not in snapshot", playerID)
	return decimal.Zero
}

// --- Catalog merge ---

func TestRefreshCatalog_BackfillsPrices(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"), player(2, "B"))
	fb.setPrice(1, d(10.5))
	fb.setPrice(2, d(20.0))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	snap := st.Snapshot()
	if len(snap.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(snap.Players))
	}
	if got := priceOf(t, snap, 1); !got.Equal(d(10.5)) {
		t.Errorf("player 1 price: expected 10.5, got %s", got)
	}
	if got := priceOf(t, snap, 2); !got.Equal(d(20.0)) {
		t.Errorf("player 2 price: expected 20.0, got %s", got)
	}
}

func TestRefreshCatalog_PreservesKnownPriceWhenHistoryEmpty(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"))
	fb.setPrice(1, d(10.5))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}

	// The next refresh finds no price history; the last known price must
	// survive, not blank out.
	fb.clearPrices()
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if got := priceOf(t, st.Snapshot(), 1); !got.Equal(d(10.5)) {
		t.Errorf("expected preserved price 10.5, got %s", got)
	}
}

func TestRefreshCatalog_DoesNotClobberNewerTick(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"))
	fb.setPrice(1, d(10.5))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("seed refresh failed: %v", err)
	}

	// A tick lands while the second refresh's price lookup is in flight.
	// The stale lookup result must lose to the pushed price.
	fb.setPrice(1, d(12.0))
	fb.setOnPrices(func(playerID int64) {
		st.ApplyTick(model.TickEvent{Type: "tick", PlayerID: 1, Price: d(11.0)})
		fb.setOnPrices(nil)
	})
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}

	if got := priceOf(t, st.Snapshot(), 1); !got.Equal(d(11.0)) {
		t.Errorf("expected pushed price 11.0 to win, got %s", got)
	}
}

// --- Tick merge ---

func TestApplyTick_UpdatesOnlyThatPlayer(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"), player(2, "B"))
	fb.setPrice(1, d(10.5))
	fb.setPrice(2, d(20.0))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	st.ApplyTick(model.TickEvent{Type: "tick", PlayerID: 1, Price: d(11.0)})

	snap := st.Snapshot()
	if got := priceOf(t, snap, 1); !got.Equal(d(11.0)) {
		t.Errorf("player 1: expected 11.0, got %s", got)
	}
	if got := priceOf(t, snap, 2); !got.Equal(d(20.0)) {
		t.Errorf("player 2 should be untouched, got %s", got)
	}
}

func TestApplyTick_UnknownPlayerHasNoEffect(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	st.ApplyTick(model.TickEvent{Type: "tick", PlayerID: 99, Price: d(5.0)})

	snap := st.Snapshot()
	if len(snap.Players) != 1 {
		t.Fatalf("expected no phantom entry, got %d players", len(snap.Players))
	}
	if snap.Players[0].Price != nil {
		t.Errorf("player 1 should still have no price, got %s", snap.Players[0].Price)
	}
}

// --- Selection ---

func TestSelect_PatchedByTicksAndRefresh(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"), player(2, "B"))
	fb.setPrice(1, d(10.5))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := st.Select(1); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	st.ApplyTick(model.TickEvent{Type: "tick", PlayerID: 1, Price: d(11.0)})
	selected, ok := st.Selected()
	if !ok {
		t.Fatal("selection lost after tick")
	}
	if selected.Price == nil || !selected.Price.Equal(d(11.0)) {
		t.Errorf("selected price should follow ticks, got %v", selected.Price)
	}

	// Catalog refresh patches the selected price too.
	fb.setPrice(1, d(11.5))
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	selected, _ = st.Selected()
	if selected.Price == nil || !selected.Price.Equal(d(11.5)) {
		t.Errorf("selected price should follow refresh, got %v", selected.Price)
	}
}

func TestSelect_ClearedWhenPlayerDisappears(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"), player(2, "B"))

	st := market.NewState(fb.client())
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := st.Select(2); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	fb.setPlayers(player(1, "A"))
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if _, ok := st.Selected(); ok {
		t.Error("stale selection should be cleared when the player vanishes")
	}
}

func TestSelect_UnknownPlayer(t *testing.T) {
	fb := newFakeBackend(t)
	st := market.NewState(fb.client())

	if err := st.Select(7); err != market.ErrUnknownPlayer {
		t.Errorf("expected ErrUnknownPlayer, got %v", err)
	}
}

// --- Chat ---

func TestApplyChatEvent_SynthesizesOrderedKeys(t *testing.T) {
	st := market.NewState(nil)

	seven := int64(7)
	st.ApplyChatEvent(model.ChatEvent{Type: "chat", Message: "first"})
	st.ApplyChatEvent(model.ChatEvent{Type: "chat", ID: &seven, Message: "second"})
	st.ApplyChatEvent(model.ChatEvent{Type: "chat", Message: "third"})

	chat := st.Snapshot().Chat
	if len(chat) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(chat))
	}
	keys := []string{chat[0].Key, chat[1].Key, chat[2].Key}
	if keys[0] != "local-1" || keys[1] != "7" || keys[2] != "local-2" {
		t.Errorf("unexpected keys: %v", keys)
	}
	for i, k := range keys {
		for j := i + 1; j < len(keys); j++ {
			if k == keys[j] {
				t.Errorf("duplicate key %q at %d and %d", k, i, j)
			}
		}
	}
	if !strings.HasPrefix(keys[0], "local-") {
		t.Errorf("synthesized key should be local-prefixed, got %q", keys[0])
	}
}

func TestRefreshChat_ReplacesLog(t *testing.T) {
	fb := newFakeBackend(t)
	fb.chat = []backend.ChatEntry{{ID: 1, Message: "hello"}, {ID: 2, Message: "world"}}

	st := market.NewState(fb.client())
	st.ApplyChatEvent(model.ChatEvent{Type: "chat", Message: "pre-poll"})

	if err := st.RefreshChat(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	chat := st.Snapshot().Chat
	if len(chat) != 2 {
		t.Fatalf("expected log replaced with 2 entries, got %d", len(chat))
	}
	if chat[0].Key != "1" || chat[1].Key != "2" {
		t.Errorf("unexpected keys: %q %q", chat[0].Key, chat[1].Key)
	}
}

// --- Portfolio ---

func TestPortfolio_ClearDropsImmediately(t *testing.T) {
	fb := newFakeBackend(t)
	fb.portfolio = &model.Portfolio{Cash: d(100), Equity: d(150)}

	st := market.NewState(fb.client())
	if err := st.RefreshPortfolio(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if st.Snapshot().Portfolio == nil {
		t.Fatal("portfolio should be loaded")
	}

	st.ClearPortfolio()
	if st.Snapshot().Portfolio != nil {
		t.Error("portfolio should be absent immediately after clear")
	}
}

func TestPortfolio_InFlightRefetchLosesToClear(t *testing.T) {
	fb := newFakeBackend(t)
	fb.portfolio = &model.Portfolio{Cash: d(100), Equity: d(150)}

	st := market.NewState(fb.client())

	// Logout fires while the refetch is between fetch and merge; the
	// pre-logout result must not repopulate the anonymous session.
	fb.setOnPortfolio(func() {
		st.ClearPortfolio()
		fb.setOnPortfolio(nil)
	})
	if err := st.RefreshPortfolio(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if st.Snapshot().Portfolio != nil {
		t.Error("stale in-flight refetch should be discarded after clear")
	}
}

// --- Lifecycle ---

func TestReset_DiscardsInFlightRefresh(t *testing.T) {
	fb := newFakeBackend(t)
	fb.setPlayers(player(1, "A"))
	fb.setPrice(1, d(10.5))

	st := market.NewState(fb.client())

	// Reset fires while the refresh is between fetch and merge; the stale
	// result must not repopulate the fresh state.
	fb.setOnPrices(func(int64) {
		st.Reset()
		fb.setOnPrices(nil)
	})
	if err := st.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if n := len(st.Snapshot().Players); n != 0 {
		t.Errorf("expected empty state after reset, got %d players", n)
	}
}

func TestReset_DiscardsInFlightChatRefresh(t *testing.T) {
	fb := newFakeBackend(t)
	fb.chat = []backend.ChatEntry{{ID: 1, Message: "hello"}}

	st := market.NewState(fb.client())

	fb.setOnChat(func() {
		st.Reset()
		fb.setOnChat(nil)
	})
	if err := st.RefreshChat(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	if n := len(st.Snapshot().Chat); n != 0 {
		t.Errorf("expected empty chat log after reset, got %d entries", n)
	}
}
