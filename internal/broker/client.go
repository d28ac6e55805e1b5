package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
	"github.com/Rajchodisetti/dip-scalper/internal/observ"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// Config holds connection settings for the REST client
type Config struct {
	BaseURL            string // trading API
	DataURL            string // market data API
	KeyID              string
	SecretKey          string
	Feed               string // iex | sip
	RateLimitPerMinute int
	TimeoutMs          int
	MaxRetries         int
	BackoffBaseMs      int
	BackoffMaxMs       int
}

// Client implements Gateway against an Alpaca-style REST API
type Client struct {
	cfg         Config
	http        *fasthttp.Client
	rateLimiter *rate.Limiter

	mu                sync.Mutex
	consecutiveErrors int
}

// NewClient creates a REST client with defaults for unset limits
func NewClient(cfg Config) (*Client, error) {
	if cfg.KeyID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("broker key id and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.DataURL == "" {
		cfg.DataURL = "https://data.alpaca.markets"
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 200
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 250
	}
	if cfg.BackoffMaxMs <= 0 {
		cfg.BackoffMaxMs = 5000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.DataURL = strings.TrimRight(cfg.DataURL, "/")

	return &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:         "dip-scalper",
			ReadTimeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 5),
	}, nil
}

func (c *Client) GetBars(ctx context.Context, symbol string, tf Timeframe, start, end time.Time) ([]market.Bar, error) {
	var bars []market.Bar
	pageToken := ""
	for {
		params := url.Values{
			"timeframe":  {string(tf)},
			"start":      {start.UTC().Format(time.RFC3339)},
			"end":        {end.UTC().Format(time.RFC3339)},
			"adjustment": {"raw"},
			"feed":       {c.cfg.Feed},
			"limit":      {"10000"},
		}
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.DataURL+"/v2/stocks/"+url.PathEscape(symbol)+"/bars?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("get bars %s: %w", symbol, err)
		}
		for _, r := range gjson.GetBytes(body, "bars").Array() {
			bars = append(bars, ParseBar(symbol, r))
		}
		pageToken = gjson.GetBytes(body, "next_page_token").String()
		if pageToken == "" {
			return bars, nil
		}
	}
}

func (c *Client) ListOrders(ctx context.Context) ([]market.Order, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.BaseURL+"/v2/orders?status=open&limit=500", nil)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var out []market.Order
	for _, r := range gjson.ParseBytes(body).Array() {
		out = append(out, ParseOrder(r))
	}
	return out, nil
}

func (c *Client) ListPositions(ctx context.Context) ([]market.Position, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.BaseURL+"/v2/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	var out []market.Position
	for _, r := range gjson.ParseBytes(body).Array() {
		out = append(out, ParsePosition(r))
	}
	return out, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*market.Position, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.BaseURL+"/v2/positions/"+url.PathEscape(symbol), nil)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	p := ParsePosition(gjson.ParseBytes(body))
	return &p, nil
}

func (c *Client) GetOrder(ctx context.Context, id string) (*market.Order, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.BaseURL+"/v2/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	o := ParseOrder(gjson.ParseBytes(body))
	return &o, nil
}

func (c *Client) GetLastTrade(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.DataURL+"/v2/stocks/"+url.PathEscape(symbol)+"/trades/latest?feed="+c.cfg.Feed, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("last trade %s: %w", symbol, err)
	}
	px := dec(gjson.GetBytes(body, "trade.p"))
	if !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("last trade %s: invalid price %q", symbol, gjson.GetBytes(body, "trade.p").Raw)
	}
	return px, nil
}

func (c *Client) GetClock(ctx context.Context) (*market.Clock, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.BaseURL+"/v2/clock", nil)
	if err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}
	clk := parseClock(gjson.ParseBytes(body))
	return &clk, nil
}

// SubmitOrder posts an order. A client order id is generated when missing so
// a retried POST cannot open a second order.
func (c *Client) SubmitOrder(ctx context.Context, req market.OrderRequest) (*market.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.New().String()
	}
	payload := map[string]string{
		"symbol":          req.Symbol,
		"qty":             req.Qty.String(),
		"side":            string(req.Side),
		"type":            string(req.Type),
		"time_in_force":   string(req.TimeInForce),
		"client_order_id": req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		payload["limit_price"] = req.LimitPrice.StringFixed(2)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	body, err := c.do(ctx, fasthttp.MethodPost, c.cfg.BaseURL+"/v2/orders", b)
	if err != nil {
		// an attempt that timed out or hit a 5xx may still have reached the
		// venue, in which case a retry is refused as a duplicate id
		if ctx.Err() == nil && mayHaveLanded(err) {
			if o, lerr := c.orderByClientID(ctx, req.ClientOrderID); lerr == nil {
				observ.Warn("broker_order_recovered", map[string]any{
					"client_order_id": req.ClientOrderID,
					"order_id":        o.ID,
					"error":           err.Error(),
				})
				return o, nil
			}
		}
		return nil, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, err)
	}
	o := ParseOrder(gjson.ParseBytes(body))
	return &o, nil
}

func (c *Client) orderByClientID(ctx context.Context, clientOrderID string) (*market.Order, error) {
	body, err := c.do(ctx, fasthttp.MethodGet, c.cfg.BaseURL+"/v2/orders:by_client_order_id?client_order_id="+url.QueryEscape(clientOrderID), nil)
	if err != nil {
		return nil, fmt.Errorf("order by client id %s: %w", clientOrderID, err)
	}
	o := ParseOrder(gjson.ParseBytes(body))
	return &o, nil
}

// mayHaveLanded reports a submit failure after which the order could exist:
// transport errors, throttling and 5xx, or a duplicate client order id.
func mayHaveLanded(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch {
	case apiErr.Status == 429 || apiErr.Status >= 500:
		return true
	case apiErr.Status == 422:
		return strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
	}
	return false
}

func (c *Client) CancelOrder(ctx context.Context, id string) error {
	_, err := c.do(ctx, fasthttp.MethodDelete, c.cfg.BaseURL+"/v2/orders/"+url.PathEscape(id), nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == 404 || apiErr.Status == 422) {
		// already filled, canceled or expired
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return nil
}

// HealthCheck verifies credentials and connectivity through the clock endpoint
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.GetClock(ctx)
	return err
}

// do performs one API call with rate limiting and retries. Network errors,
// 429 and 5xx are retried with exponential backoff; other non-2xx responses
// come back as *APIError immediately.
func (c *Client) do(ctx context.Context, method, requestURL string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		status, respBody, err := c.roundTrip(ctx, method, requestURL, body)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.recordError()
			continue
		}
		if status == 429 || status >= 500 {
			lastErr = &APIError{Status: status, Message: strings.TrimSpace(string(respBody))}
			c.recordError()
			continue
		}
		if status < 200 || status >= 300 {
			return nil, &APIError{
				Status:  status,
				Code:    int(gjson.GetBytes(respBody, "code").Int()),
				Message: firstNonEmpty(gjson.GetBytes(respBody, "message").String(), strings.TrimSpace(string(respBody))),
			}
		}
		c.recordSuccess()
		return respBody, nil
	}

	observ.Warn("broker_request_exhausted", map[string]any{
		"method":             method,
		"url":                redactQuery(requestURL),
		"attempts":           c.cfg.MaxRetries,
		"consecutive_errors": c.ConsecutiveErrors(),
		"error":              lastErr.Error(),
	})
	return nil, lastErr
}

func (c *Client) roundTrip(ctx context.Context, method, requestURL string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(requestURL)
	req.Header.SetMethod(method)
	req.Header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(time.Duration(c.cfg.TimeoutMs) * time.Millisecond)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}
	// resp is released on return
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBaseMs * (1 << attempt)
	if d > c.cfg.BackoffMaxMs || d <= 0 {
		d = c.cfg.BackoffMaxMs
	}
	jitter := rand.Intn(c.cfg.BackoffBaseMs/2 + 1)
	return time.Duration(d+jitter) * time.Millisecond
}

func (c *Client) recordError() {
	c.mu.Lock()
	c.consecutiveErrors++
	c.mu.Unlock()
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.consecutiveErrors = 0
	c.mu.Unlock()
}

// ConsecutiveErrors is the number of transport failures since the last success
func (c *Client) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func redactQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
