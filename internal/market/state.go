// Package market holds the authoritative local view of the remote market:
// the player set with live prices, the selected player, the portfolio, and
// the chat log. Two producers feed it — the push streams and the periodic
// refetch timers — and every merge is written so the poll path can never
// clobber a newer pushed update.
package market

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/feed"
	"github.com/playerstock/market-console/internal/metrics"
	"github.com/playerstock/market-console/internal/model"
)

const (
	// DefaultCatalogInterval is the catalog refetch period. It doubles as
	// the fallback data path when the tick stream is down.
	DefaultCatalogInterval = 10 * time.Second

	// DefaultChatInterval is the chat log refetch period.
	DefaultChatInterval = 5 * time.Second
)

// ErrUnknownPlayer is returned when a selection or command references a
// player absent from the current set.
var ErrUnknownPlayer = errors.New("market: player not in current set")

// State is the reconciliation state. All mutation happens under mu; reads
// hand out deep-enough copies that callers never observe a partial merge.
type State struct {
	api *backend.Client

	mu        sync.RWMutex
	players   []*model.Player
	index     map[int64]*model.Player
	selected  *model.Player
	portfolio *model.Portfolio
	chatLog   []model.ChatMessage
	search    string

	// tickSeq counts pushed ticks per player. A catalog refresh records the
	// sequence when it starts and only applies its backfilled price if no
	// newer tick landed meanwhile.
	tickSeq map[int64]uint64

	// localChatSeq numbers synthesized keys for chat events without an id.
	localChatSeq uint64

	// gen invalidates in-flight refreshes across a Reset, so a late
	// response from a torn-down run cannot mutate the next one.
	gen uint64
}

// Snapshot is a consistent copy of the view state.
type Snapshot struct {
	Players   []model.Player
	Selected  *model.Player
	Portfolio *model.Portfolio
	Chat      []model.ChatMessage
}

// NewState creates an empty reconciliation state backed by api for
// refetches.
func NewState(api *backend.Client) *State {
	return &State{
		api:     api,
		index:   make(map[int64]*model.Player),
		tickSeq: make(map[int64]uint64),
	}
}

// Run consumes both push streams and drives the periodic refetch timers
// until ctx is cancelled. It performs one immediate catalog and chat fetch
// so the view is populated before the first tick arrives.
func (s *State) Run(ctx context.Context, feeds *feed.Feeds, catalogEvery, chatEvery time.Duration) {
	if catalogEvery <= 0 {
		catalogEvery = DefaultCatalogInterval
	}
	if chatEvery <= 0 {
		chatEvery = DefaultChatInterval
	}

	if err := s.RefreshCatalog(ctx); err != nil {
		slog.Warn("initial catalog fetch failed", "err", err)
	}
	if err := s.RefreshChat(ctx); err != nil {
		slog.Warn("initial chat fetch failed", "err", err)
	}

	catalogT := time.NewTicker(catalogEvery)
	defer catalogT.Stop()
	chatT := time.NewTicker(chatEvery)
	defer chatT.Stop()

	ticks := feeds.Ticks()
	chat := feeds.Chat()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			s.ApplyTick(ev)

		case ev, ok := <-chat:
			if !ok {
				chat = nil
				continue
			}
			s.ApplyChatEvent(ev)

		case <-catalogT.C:
			if err := s.RefreshCatalog(ctx); err != nil {
				slog.Warn("catalog refresh failed", "err", err)
			}

		case <-chatT.C:
			if err := s.RefreshChat(ctx); err != nil {
				slog.Warn("chat refresh failed", "err", err)
			}
		}
	}
}

// --- Catalog merge ---

// RefreshCatalog refetches the player list and backfills prices from the
// price-history endpoint. The list is replaced wholesale, but the last
// known price per id is preserved when the fetch has nothing newer: a
// backfilled price applies only if that player's tick sequence did not
// advance while the fetch was in flight.
func (s *State) RefreshCatalog(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.CatalogRefreshDuration)
	defer timer.ObserveDuration()

	s.mu.RLock()
	gen := s.gen
	query := s.search
	seqAtStart := make(map[int64]uint64, len(s.tickSeq))
	for id, seq := range s.tickSeq {
		seqAtStart[id] = seq
	}
	s.mu.RUnlock()

	listed, err := s.api.ListPlayers(ctx, query)
	if err != nil {
		return err
	}

	// The catalog record carries no price; look up the latest tick per
	// player. Lookup failures are tolerable — the merge falls back to the
	// last known price.
	backfilled := make(map[int64]decimal.Decimal, len(listed))
	for i := range listed {
		if listed[i].Price != nil {
			continue
		}
		ticks, err := s.api.PlayerPrices(ctx, listed[i].ID, 1)
		if err != nil || len(ticks) == 0 {
			continue
		}
		backfilled[listed[i].ID] = ticks[0].Price
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// Reset happened while the fetch was in flight; discard.
		return nil
	}

	players := make([]*model.Player, 0, len(listed))
	index := make(map[int64]*model.Player, len(listed))
	for i := range listed {
		p := listed[i]
		if p.Price == nil {
			if price, ok := backfilled[p.ID]; ok && s.tickSeq[p.ID] == seqAtStart[p.ID] {
				price := price
				p.Price = &price
			} else if prev, ok := s.index[p.ID]; ok && prev.Price != nil {
				// Fetch omitted or lost the race against a pushed tick;
				// keep the most recent price rather than blanking it.
				p.Price = prev.Price
			}
		}
		players = append(players, &p)
		index[p.ID] = &p
	}

	s.players = players
	s.index = index

	// Re-resolve the selection. A vanished id means the reference is
	// stale and must be cleared; a present one gets its price patched in
	// place so selection-scoped fields survive.
	if s.selected != nil {
		if cur, ok := index[s.selected.ID]; ok {
			if cur.Price != nil {
				s.selected.Price = cur.Price
			}
		} else {
			s.selected = nil
		}
	}

	return nil
}

// SetSearch sets the catalog search query used by subsequent refreshes.
func (s *State) SetSearch(query string) {
	s.mu.Lock()
	s.search = query
	s.mu.Unlock()
}

// --- Tick merge ---

// ApplyTick patches the price of a present player in place, including the
// selected slot when it references the same id. Ticks for players not yet
// loaded are dropped with no effect.
func (s *State) ApplyTick(ev model.TickEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.index[ev.PlayerID]
	if !ok {
		metrics.TicksApplied.WithLabelValues("unknown_player").Inc()
		return
	}

	price := ev.Price
	p.Price = &price
	s.tickSeq[ev.PlayerID]++

	if s.selected != nil && s.selected.ID == ev.PlayerID {
		s.selected.Price = &price
	}
	metrics.TicksApplied.WithLabelValues("applied").Inc()
}

// --- Selection ---

// Select copies the identified player into the selected slot.
func (s *State) Select(playerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.index[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	selected := *p
	s.selected = &selected
	return nil
}

// ClearSelection drops the selected slot.
func (s *State) ClearSelection() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

// Selected returns a copy of the selected player, if any.
func (s *State) Selected() (model.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == nil {
		return model.Player{}, false
	}
	return *s.selected, true
}

// Player returns a copy of one player from the current set.
func (s *State) Player(playerID int64) (model.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.index[playerID]
	if !ok {
		return model.Player{}, false
	}
	return *p, true
}

// --- Portfolio ---

// RefreshPortfolio refetches and replaces the portfolio wholesale. The
// console never applies local deltas: settlement math stays backend-owned
// at the cost of one extra round trip per trade. A result that started
// before a Reset or ClearPortfolio is discarded, so a pre-logout fetch
// can never repopulate an anonymous session.
func (s *State) RefreshPortfolio(ctx context.Context) error {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	pf, err := s.api.Portfolio(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.portfolio = &pf
	return nil
}

// ClearPortfolio drops the portfolio immediately and invalidates any
// refetch still in flight. Called on logout so a subsequent read can never
// return a stale pre-logout value.
func (s *State) ClearPortfolio() {
	s.mu.Lock()
	s.gen++
	s.portfolio = nil
	s.mu.Unlock()
}

// --- Chat ---

// RefreshChat refetches and replaces the chat log from the backend.
// Results from before a Reset are discarded.
func (s *State) RefreshChat(ctx context.Context) error {
	s.mu.RLock()
	gen := s.gen
	s.mu.RUnlock()

	entries, err := s.api.ListChat(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return nil
	}

	log := make([]model.ChatMessage, 0, len(entries))
	for _, e := range entries {
		log = append(log, model.ChatMessage{
			Key:     strconv.FormatInt(e.ID, 10),
			Message: e.Message,
		})
	}
	s.chatLog = log
	return nil
}

// ApplyChatEvent appends one pushed chat message. Events without an id get
// a synthesized key from a monotonic counter — deterministic and
// collision-free, unlike random keys. The backend contract does not
// promise exactly-once delivery, so no duplicate suppression is attempted.
func (s *State) ApplyChatEvent(ev model.ChatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var key string
	if ev.ID != nil {
		key = strconv.FormatInt(*ev.ID, 10)
	} else {
		s.localChatSeq++
		key = "local-" + strconv.FormatUint(s.localChatSeq, 10)
	}
	s.chatLog = append(s.chatLog, model.ChatMessage{Key: key, Message: ev.Message})
}

// --- Reads and lifecycle ---

// Snapshot returns a consistent copy of the whole view state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Players: make([]model.Player, 0, len(s.players)),
		Chat:    make([]model.ChatMessage, len(s.chatLog)),
	}
	for _, p := range s.players {
		snap.Players = append(snap.Players, *p)
	}
	copy(snap.Chat, s.chatLog)

	if s.selected != nil {
		selected := *s.selected
		snap.Selected = &selected
	}
	if s.portfolio != nil {
		pf := *s.portfolio
		pf.Positions = make([]model.Position, len(s.portfolio.Positions))
		copy(pf.Positions, s.portfolio.Positions)
		snap.Portfolio = &pf
	}
	return snap
}

// Reset clears all view state and invalidates in-flight refreshes, so
// results that started before the reset are discarded when they land.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	s.players = nil
	s.index = make(map[int64]*model.Player)
	s.selected = nil
	s.portfolio = nil
	s.chatLog = nil
	s.tickSeq = make(map[int64]uint64)
}
