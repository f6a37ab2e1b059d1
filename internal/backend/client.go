// Package backend provides the typed HTTP client for the player-trading
// backend. The backend owns all business logic — pricing, matching, wallet
// accounting, auth, and chat persistence; this client only moves requests
// and responses across the wire.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/playerstock/market-console/internal/model"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 15 * time.Second

	// DefaultPriceRateLimit caps price-history lookups per second. A catalog
	// refresh fans out one lookup per listed player, so this is the only
	// call path that can burst.
	DefaultPriceRateLimit = 20
)

// genericFailure is surfaced when the backend rejects a request without a
// detail message.
const genericFailure = "request failed"

// APIError is a backend-rejected request. Detail carries the backend's
// stated reason verbatim so callers can show it to the user unchanged.
type APIError struct {
	StatusCode int
	Detail     string
	Endpoint   string
}

func (e *APIError) Error() string {
	return e.Detail
}

// TokenSource yields the current bearer token, or "" when anonymous.
type TokenSource func() string

// Client is the backend REST client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	priceLimit *rate.Limiter
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the backend base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithTokenSource sets where bearer tokens come from. Calls that allow
// anonymous access simply see an empty token.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.token = src }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithPriceRateLimit caps price-history lookups per second.
func WithPriceRateLimit(perSecond int) Option {
	return func(c *Client) {
		c.priceLimit = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
}

// NewClient creates a backend client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		token:      func() string { return "" },
		priceLimit: rate.NewLimiter(rate.Limit(DefaultPriceRateLimit), DefaultPriceRateLimit),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// --- Wire types ---

// AuthResponse is the body returned by the auth endpoints.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
}

// CreatePlayerRequest is the body for POST /players.
type CreatePlayerRequest struct {
	Name          string          `json:"name"`
	Team          string          `json:"team"`
	Position      string          `json:"position"`
	Nationality   string          `json:"nationality"`
	CWCStatus     string          `json:"cwc_status"`
	ImageURL      string          `json:"image_url"`
	MomentumScore decimal.Decimal `json:"momentum_score"`
}

// TradeRequest is the body for POST /trade.
type TradeRequest struct {
	Side     string `json:"side"`
	PlayerID int64  `json:"player_id"`
	Quantity int64  `json:"quantity"`
}

// TradeResult is the confirmed execution returned by POST /trade.
type TradeResult struct {
	Price decimal.Decimal `json:"price"`
}

// ChatEntry is one persisted chat message as listed by GET /chat.
type ChatEntry struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// --- Auth ---

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	body := map[string]string{"email": email, "password": password}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Register creates an account and returns its bearer token.
func (c *Client) Register(ctx context.Context, name, email, password string) (string, error) {
	body := map[string]string{"name": name, "email": email, "password": password}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", body, &resp); err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// Me resolves the identity behind a token. The token is passed explicitly
// because resolution happens before a session is activated.
func (c *Client) Me(ctx context.Context, token string) (model.Identity, error) {
	var id model.Identity
	err := c.do(ctx, http.MethodGet, "/me", token, nil, &id)
	return id, err
}

// --- Catalog and prices ---

// ListPlayers fetches the player catalog, optionally filtered by a search
// query. Catalog records carry no price.
func (c *Client) ListPlayers(ctx context.Context, query string) ([]model.Player, error) {
	path := "/players"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var players []model.Player
	if err := c.do(ctx, http.MethodGet, path, c.token(), nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// PlayerPrices fetches the most recent price ticks for one player. Subject
// to the price rate limiter since catalog refreshes fan out here.
func (c *Client) PlayerPrices(ctx context.Context, playerID int64, limit int) ([]model.PriceTick, error) {
	if err := c.priceLimit.Wait(ctx); err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/players/%d/prices?limit=%d", playerID, limit)
	var ticks []model.PriceTick
	if err := c.do(ctx, http.MethodGet, path, c.token(), nil, &ticks); err != nil {
		return nil, err
	}
	return ticks, nil
}

// CreatePlayer adds a player to the catalog. Requires auth.
func (c *Client) CreatePlayer(ctx context.Context, req CreatePlayerRequest) (model.Player, error) {
	var p model.Player
	err := c.do(ctx, http.MethodPost, "/players", c.token(), req, &p)
	return p, err
}

// AddTick inserts a price tick for a player. Requires auth.
func (c *Client) AddTick(ctx context.Context, playerID int64, price decimal.Decimal, event string) error {
	body := map[string]any{"price": price}
	if event != "" {
		body["event"] = event
	}
	path := "/players/" + strconv.FormatInt(playerID, 10) + "/tick"
	return c.do(ctx, http.MethodPost, path, c.token(), body, nil)
}

// --- Portfolio and trading ---

// Portfolio fetches the caller's full portfolio. Requires auth.
func (c *Client) Portfolio(ctx context.Context) (model.Portfolio, error) {
	var pf model.Portfolio
	err := c.do(ctx, http.MethodGet, "/portfolio", c.token(), nil, &pf)
	return pf, err
}

// Trade submits a buy or sell order. The backend determines the fill price
// and balance sufficiency; rejections come back as *APIError.
func (c *Client) Trade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	var res TradeResult
	err := c.do(ctx, http.MethodPost, "/trade", c.token(), req, &res)
	return res, err
}

// Deposit credits the caller's wallet. Requires auth.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal, provider string) error {
	body := map[string]any{"amount": amount, "provider": provider}
	return c.do(ctx, http.MethodPost, "/wallet/deposit", c.token(), body, nil)
}

// --- Chat ---

// ListChat fetches the persisted chat log.
func (c *Client) ListChat(ctx context.Context) ([]ChatEntry, error) {
	var entries []ChatEntry
	if err := c.do(ctx, http.MethodGet, "/chat", c.token(), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// SendChat posts one message. Anonymous senders are allowed; the bearer
// header is attached only when a token is held.
func (c *Client) SendChat(ctx context.Context, message string) error {
	body := map[string]string{"message": message}
	return c.do(ctx, http.MethodPost, "/chat", c.token(), body, nil)
}

// --- Transport ---

// do performs one JSON round trip. A non-empty token becomes a bearer
// header. Non-2xx responses decode the backend's {detail} body into an
// *APIError; out may be nil when the response body is irrelevant.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("backend: build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp, path)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response, endpoint string) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Detail:     genericFailure,
		Endpoint:   endpoint,
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Detail != "" {
		apiErr.Detail = body.Detail
	}
	return apiErr
}
