// Package feed subscribes to the backend's push streams: live price ticks
// on /ws/ticks and chat messages on /ws/chat. The two streams are
// independent; losing either is not an error — the reconciliation loop's
// periodic refetch keeps the view serviceable without push data.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/playerstock/market-console/internal/metrics"
	"github.com/playerstock/market-console/internal/model"
)

const eventBuffer = 64

// Feeds owns the two subscriber connections for one console run. Events
// are delivered on typed channels consumed by the reconciliation loop;
// both channels are closed once Close has been called and the read pumps
// have drained.
type Feeds struct {
	ticks chan model.TickEvent
	chat  chan model.ChatEvent

	mu     sync.Mutex
	conns  []*websocket.Conn
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// Connect dials both streams. A stream that cannot be dialed is logged and
// skipped rather than failing the console: the catalog poll is the
// fallback data path.
func Connect(ctx context.Context, baseURL string) *Feeds {
	f := &Feeds{
		ticks: make(chan model.TickEvent, eventBuffer),
		chat:  make(chan model.ChatEvent, eventBuffer),
		done:  make(chan struct{}),
	}

	if conn := dial(ctx, baseURL, "/ws/ticks"); conn != nil {
		f.conns = append(f.conns, conn)
		f.wg.Add(1)
		go f.tickPump(conn)
	}
	if conn := dial(ctx, baseURL, "/ws/chat"); conn != nil {
		f.conns = append(f.conns, conn)
		f.wg.Add(1)
		go f.chatPump(conn)
	}

	go func() {
		f.wg.Wait()
		close(f.ticks)
		close(f.chat)
	}()

	return f
}

// Ticks returns the live price tick channel.
func (f *Feeds) Ticks() <-chan model.TickEvent { return f.ticks }

// Chat returns the live chat message channel.
func (f *Feeds) Chat() <-chan model.ChatEvent { return f.chat }

// Close tears down both connections. After Close returns, no further
// events are delivered. Idempotent.
func (f *Feeds) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	for _, conn := range f.conns {
		conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
}

// dial opens one subscriber connection. The ws URL is derived from the
// backend base URL by scheme substitution, matching how the backend
// publishes its stream addresses.
func dial(ctx context.Context, baseURL, path string) *websocket.Conn {
	url := strings.Replace(baseURL, "http", "ws", 1) + path
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		slog.Warn("stream unavailable, relying on periodic refetch", "path", path, "err", err)
		return nil
	}
	metrics.FeedConnections.Inc()
	slog.Info("stream connected", "path", path)
	return conn
}

// tickPump reads the tick stream until the connection dies. Frames that are
// not well-formed tick events are dropped, never surfaced.
func (f *Feeds) tickPump(conn *websocket.Conn) {
	defer f.pumpDone("/ws/ticks")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev model.TickEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			metrics.FramesDropped.WithLabelValues("ticks").Inc()
			continue
		}
		if ev.Type != "tick" {
			metrics.FramesDropped.WithLabelValues("ticks").Inc()
			continue
		}
		metrics.TicksReceived.Inc()
		select {
		case f.ticks <- ev:
		case <-f.done:
			return
		}
	}
}

// chatPump mirrors tickPump for the chat stream.
func (f *Feeds) chatPump(conn *websocket.Conn) {
	defer f.pumpDone("/ws/chat")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev model.ChatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			metrics.FramesDropped.WithLabelValues("chat").Inc()
			continue
		}
		if ev.Type != "chat" {
			metrics.FramesDropped.WithLabelValues("chat").Inc()
			continue
		}
		metrics.ChatReceived.Inc()
		select {
		case f.chat <- ev:
		case <-f.done:
			return
		}
	}
}

func (f *Feeds) pumpDone(path string) {
	metrics.FeedConnections.Dec()
	slog.Info("stream closed", "path", path)
	f.wg.Done()
}
