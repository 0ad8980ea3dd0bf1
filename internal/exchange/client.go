// Package exchange converts currency amounts through the exchangerate-api.com
// v6 pair endpoint.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/calcdeck/keygate/internal/metrics"
)

// DefaultBaseURL is the exchangerate-api.com v6 API root.
const DefaultBaseURL = "https://v6.exchangerate-api.com/v6"

const maxResponseBytes = 1 << 20

var (
	// ErrNotConfigured is returned when no provider API key is set.
	ErrNotConfigured = errors.New("exchange rate API not configured")

	// ErrUpstream is returned when the provider is unreachable, answers with
	// a non-2xx status or an unreadable body, or the circuit is open.
	ErrUpstream = errors.New("failed to fetch exchange rates")
)

// ProviderError is a well-formed provider answer with result "error".
type ProviderError struct {
	Type string
}

func (e *ProviderError) Error() string {
	if e.Type == "" {
		return "Exchange rate error"
	}
	return e.Type
}

// Conversion is the result of converting Amount of From into To.
type Conversion struct {
	From   string
	To     string
	Amount float64
	Rate   float64
	Result float64
}

// Provider converts amounts between currencies.
type Provider interface {
	Convert(ctx context.Context, from, to string, amount float64) (*Conversion, error)
}

// Config configures Client.
type Config struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Client calls the provider with a bounded timeout behind a circuit
// breaker. Requests are never retried.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a Client. logger and m may be nil.
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		metrics: m,
	}

	threshold := uint32(cfg.BreakerFailures)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rate-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A provider "error" result means the provider is healthy.
			var pe *ProviderError
			return err == nil || errors.As(err, &pe)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			c.metrics.SetBreakerState(int(to))
		},
	})
	return c
}

// Convert implements Provider.
func (c *Client) Convert(ctx context.Context, from, to string, amount float64) (*Conversion, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}

	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	start := time.Now()
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, from, to, amount)
	})
	c.metrics.ObserveProvider(resultLabel(err), time.Since(start))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil, err
	}
	return v.(*Conversion), nil
}

type pairResponse struct {
	Result           string   `json:"result"`
	ErrorType        string   `json:"error-type"`
	ConversionRate   float64  `json:"conversion_rate"`
	ConversionResult *float64 `json:"conversion_result"`
}

func (c *Client) fetch(ctx context.Context, from, to string, amount float64) (*Conversion, error) {
	endpoint := fmt.Sprintf("%s/%s/pair/%s/%s/%s",
		c.cfg.BaseURL,
		url.PathEscape(c.cfg.APIKey),
		url.PathEscape(from),
		url.PathEscape(to),
		strconv.FormatFloat(amount, 'f', -1, 64),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, redact(err, c.cfg.APIKey))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	var pr pairResponse
	decodeErr := json.Unmarshal(body, &pr)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: provider status %d", ErrUpstream, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrUpstream, decodeErr)
	}
	if pr.Result == "error" {
		return nil, &ProviderError{Type: pr.ErrorType}
	}

	conv := &Conversion{
		From:   from,
		To:     to,
		Amount: amount,
		Rate:   pr.ConversionRate,
	}
	if pr.ConversionResult != nil {
		conv.Result = *pr.ConversionResult
	} else {
		conv.Result = amount * pr.ConversionRate
	}
	return conv, nil
}

// redact strips the provider key from transport errors, which embed the URL.
func redact(err error, secret string) string {
	msg := err.Error()
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, url.PathEscape(secret), "***")
}

func resultLabel(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "provider_error"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	default:
		return "upstream_error"
	}
}
