// Package upstream talks to the reseller panel (SMM API v2 style: one endpoint,
// form-encoded POSTs selected by the "action" field).
//
// The client never retries. Every failure is classified as either
// ErrUpstreamUnavailable (transport errors, timeouts, 5xx, 429, unreadable
// responses) or ErrUpstreamRejected (4xx and provider "error" payloads) so the
// caller can decide whether a retry makes sense.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/theheadmen/smmbroker/internal/errors"
)

const maxResponseBytes = 8 << 20

// Service is one catalog entry as reported by the provider.
type Service struct {
	ID       string
	Name     string
	Type     string
	Category string
	Rate     decimal.Decimal // per 1000 units, provider currency
	Min      int64
	Max      int64
}

// OrderStatus is the provider's view of a placed order.
type OrderStatus struct {
	Status      string
	Charge      decimal.Decimal
	ChargeKnown bool
	StartCount  int64
	Remains     int64
	Currency    string
}

// Balance is the provider account balance.
type Balance struct {
	Amount   decimal.Decimal
	Currency string
}

// RateLimitedError is returned for 429 responses. It matches
// ErrUpstreamUnavailable; RetryAfter is zero when the panel sent no hint.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s: rate limited, retry after %s", apperrors.ErrUpstreamUnavailable, e.Action, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s: rate limited", apperrors.ErrUpstreamUnavailable, e.Action)
}

func (e *RateLimitedError) Unwrap() error {
	return apperrors.ErrUpstreamUnavailable
}

// Observer receives the outcome of every call; used for metrics.
type Observer func(action, outcome string, duration time.Duration)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	observe    Observer
}

func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListServices fetches the live catalog.
func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var raw []rawService
	if err := c.call(ctx, "services", url.Values{}, &raw); err != nil {
		return nil, err
	}
	services := make([]Service, 0, len(raw))
	for _, r := range raw {
		svc, err := r.toService()
		if err != nil {
			return nil, fmt.Errorf("%w: services: %v", apperrors.ErrUpstreamUnavailable, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

// PlaceOrder submits a new order. It is not idempotent on the provider side.
func (c *Client) PlaceOrder(ctx context.Context, serviceID, link string, quantity int64) (string, error) {
	form := url.Values{}
	form.Set("service", serviceID)
	form.Set("link", link)
	form.Set("quantity", strconv.FormatInt(quantity, 10))

	var resp struct {
		Order flexString `json:"order"`
	}
	if err := c.call(ctx, "add", form, &resp); err != nil {
		return "", err
	}
	if resp.Order == "" {
		return "", fmt.Errorf("%w: add: response without order id", apperrors.ErrUpstreamRejected)
	}
	return string(resp.Order), nil
}

// GetOrderStatus fetches status, charge and progress of a placed order.
func (c *Client) GetOrderStatus(ctx context.Context, upstreamOrderID string) (*OrderStatus, error) {
	form := url.Values{}
	form.Set("order", upstreamOrderID)

	var resp struct {
		Charge     flexString `json:"charge"`
		StartCount flexString `json:"start_count"`
		Status     string     `json:"status"`
		Remains    flexString `json:"remains"`
		Currency   string     `json:"currency"`
	}
	if err := c.call(ctx, "status", form, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("%w: status: response without status", apperrors.ErrUpstreamRejected)
	}

	st := &OrderStatus{
		Status:   resp.Status,
		Currency: resp.Currency,
	}
	if resp.Charge != "" {
		charge, err := decimal.NewFromString(string(resp.Charge))
		if err != nil {
			return nil, fmt.Errorf("%w: status: bad charge %q", apperrors.ErrUpstreamUnavailable, resp.Charge)
		}
		st.Charge = charge
		st.ChargeKnown = true
	}
	st.StartCount = resp.StartCount.int64OrZero()
	st.Remains = resp.Remains.int64OrZero()
	return st, nil
}

// GetBalance returns the provider account balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var resp struct {
		Balance  flexString `json:"balance"`
		Currency string     `json:"currency"`
	}
	if err := c.call(ctx, "balance", url.Values{}, &resp); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(string(resp.Balance))
	if err != nil {
		return nil, fmt.Errorf("%w: balance: bad amount %q", apperrors.ErrUpstreamUnavailable, resp.Balance)
	}
	return &Balance{Amount: amount, Currency: resp.Currency}, nil
}

func (c *Client) call(ctx context.Context, action string, form url.Values, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(action, outcomeOf(err), time.Since(start))
		}
	}()

	form.Set("key", c.apiKey)
	form.Set("action", action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %s: build request: %v", apperrors.ErrUpstreamRejected, action, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", apperrors.ErrUpstreamUnavailable, action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", apperrors.ErrUpstreamUnavailable, action, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Action: action, RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: status %d", apperrors.ErrUpstreamUnavailable, action, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s: status %d: %s", apperrors.ErrUpstreamRejected, action, resp.StatusCode, snippet(body))
	}

	if msg := providerError(body); msg != "" {
		return fmt.Errorf("%w: %s: %s", apperrors.ErrUpstreamRejected, action, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v: %s", apperrors.ErrUpstreamUnavailable, action, err, snippet(body))
	}
	return nil
}

// providerError extracts {"error": "..."} which panels return with status 200.
func providerError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &e); err != nil {
		return ""
	}
	return e.Error
}

func retryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, apperrors.ErrUpstreamRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

type rawService struct {
	Service  flexString      `json:"service"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Category string          `json:"category"`
	Rate     decimal.Decimal `json:"rate"`
	Min      flexString      `json:"min"`
	Max      flexString      `json:"max"`
}

func (r rawService) toService() (Service, error) {
	if r.Service == "" {
		return Service{}, fmt.Errorf("service without id: %q", r.Name)
	}
	return Service{
		ID:       string(r.Service),
		Name:     r.Name,
		Type:     r.Type,
		Category: r.Category,
		Rate:     r.Rate,
		Min:      r.Min.int64OrZero(),
		Max:      r.Max.int64OrZero(),
	}, nil
}

// flexString accepts both JSON strings and bare numbers; panels are inconsistent.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(str))
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) int64OrZero() int64 {
	if f == "" {
		return 0
	}
	if n, err := strconv.ParseInt(string(f), 10, 64); err == nil {
		return n
	}
	d, err := decimal.NewFromString(string(f))
	if err != nil {
		return 0
	}
	return d.IntPart()
}
