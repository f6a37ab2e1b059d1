package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/playerstock/market-console/internal/backend"
	"github.com/playerstock/market-console/internal/dispatch"
	"github.com/playerstock/market-console/internal/feed"
	"github.com/playerstock/market-console/internal/market"
	"github.com/playerstock/market-console/internal/metrics"
	"github.com/playerstock/market-console/internal/session"
	"github.com/playerstock/market-console/internal/view"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	backendURL := os.Getenv("BACKEND_URL")
	if backendURL == "" {
		backendURL = backend.DefaultBaseURL
	}

	tokenPath := os.Getenv("TOKEN_FILE")
	if tokenPath == "" {
		tokenPath = session.DefaultTokenPath()
	}

	catalogEvery := envSeconds("CATALOG_REFRESH_SECONDS", market.DefaultCatalogInterval)
	chatEvery := envSeconds("CHAT_REFRESH_SECONDS", market.DefaultChatInterval)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Session and backend client ---
	// The client reads its bearer token through the session, which is
	// created right after; no request runs before both exist.
	var sess *session.Session
	api := backend.NewClient(
		backend.WithBaseURL(backendURL),
		backend.WithTokenSource(func() string {
			if sess == nil {
				return ""
			}
			return sess.Token()
		}),
	)
	sess = session.New(api, session.NewFileStore(tokenPath))
	sess.Restore(rootCtx)

	// --- Reconciliation state and push streams ---
	state := market.NewState(api)
	feeds := feed.Connect(rootCtx, api.BaseURL())
	go state.Run(rootCtx, feeds, catalogEvery, chatEvery)

	if sess.Authenticated() {
		if err := state.RefreshPortfolio(rootCtx); err != nil {
			slog.Warn("initial portfolio fetch failed", "err", err)
		}
	}

	cmds := dispatch.New(api, sess, state)
	handlers := view.New(state, sess, cmds)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-console"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handlers.Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-console listening", "port", port, "backend", backendURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down market-console...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	feeds.Close()
	cancel()
	fmt.Println("market-console stopped")
}

// envSeconds reads a whole-seconds duration from the environment.
func envSeconds(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		slog.Warn("ignoring invalid duration", "key", key, "value", raw)
		return fallback
	}
	return time.Duration(secs) * time.Second
}
