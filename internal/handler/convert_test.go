package handler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calcdeck/keygate/internal/exchange"
	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/server/middleware"
	"github.com/calcdeck/keygate/internal/service"
)

func TestConvert(t *testing.T) {
	env := newTestEnv(t)
	issued := env.seedKey(t, "owner-1", "converter", 10)

	rr := env.do(t, "POST", "/api/v1/convert", strings.NewReader(`{"from":"USD","to":"EUR","amount":100}`), apiKey(issued.Plaintext))
	assertStatus(t, rr, http.StatusOK)

	var resp model.ConvertResponse
	decodeJSON(t, rr, &resp)
	if resp.From != "USD" || resp.To != "EUR" || resp.Amount != 100 {
		t.Errorf("echoed request = %+v", resp)
	}
	amount, rate := 100.0, env.provider.rate
	if resp.Rate != rate || resp.Result != amount*rate {
		t.Errorf("rate = %v, result = %v, want %v and %v", resp.Rate, resp.Result, rate, amount*rate)
	}
	if !resp.Timestamp.Equal(env.clock.Now()) {
		t.Errorf("timestamp = %v, want %v", resp.Timestamp, env.clock.Now())
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
	if n := env.usageCount(t); n != 1 {
		t.Errorf("usage entries = %d, want 1", n)
	}
}

func TestConvertMissingKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/api/v1/convert", strings.NewReader(`{"from":"USD","to":"EUR","amount":100}`), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
	assertError(t, rr, "Missing API key in X-API-Key header")

	if env.provider.calls != 0 {
		t.Errorf("provider called %d times", env.provider.calls)
	}
	if n := env.usageCount(t); n != 0 {
		t.Errorf("usage entries = %d, want 0", n)
	}
}

func TestConvertRateLimited(t *testing.T) {
	env := newTestEnv(t)
	issued := env.seedKey(t, "owner-1", "one shot", 1)
	body := `{"from":"USD","to":"EUR","amount":1}`

	rr := env.do(t, "POST", "/api/v1/convert", strings.NewReader(body), apiKey(issued.Plaintext))
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "POST", "/api/v1/convert", strings.NewReader(body), apiKey(issued.Plaintext))
	assertStatus(t, rr, http.StatusTooManyRequests)
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Error != "Rate limit exceeded" {
		t.Errorf("error = %q", resp.Error)
	}
	wantReset := env.clock.Now().Add(time.Hour)
	if resp.RateLimitReset == nil || !resp.RateLimitReset.Equal(wantReset) {
		t.Errorf("rateLimitReset = %v, want %v", resp.RateLimitReset, wantReset)
	}
	if env.provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", env.provider.calls)
	}

	// A new window admits again.
	env.clock.Advance(time.Hour)
	rr = env.do(t, "POST", "/api/v1/convert", strings.NewReader(body), apiKey(issued.Plaintext))
	assertStatus(t, rr, http.StatusOK)
}

func TestConvertValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing from", `{"to":"EUR","amount":1}`},
		{"missing to", `{"from":"USD","amount":1}`},
		{"missing amount", `{"from":"USD","to":"EUR"}`},
		{"blank from", `{"from":"  ","to":"EUR","amount":1}`},
		{"string amount", `{"from":"USD","to":"EUR","amount":"ten"}`},
		{"null amount", `{"from":"USD","to":"EUR","amount":null}`},
		{"malformed", `{"from":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			issued := env.seedKey(t, "owner-1", "converter", 10)

			rr := env.do(t, "POST", "/api/v1/convert", strings.NewReader(tt.body), apiKey(issued.Plaintext))
			assertStatus(t, rr, http.StatusBadRequest)
			assertError(t, rr, "Missing required fields: from, to, amount")
			if env.provider.calls != 0 {
				t.Errorf("provider called for invalid body")
			}
		})
	}
}

func TestConvertZeroAmountIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	issued := env.seedKey(t, "owner-1", "converter", 10)

	rr := env.do(t, "POST", "/api/v1/convert", strings.NewReader(`{"from":"USD","to":"EUR","amount":0}`), apiKey(issued.Plaintext))
	assertStatus(t, rr, http.StatusOK)
}

func TestConvertProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"provider error type", &exchange.ProviderError{Type: "unsupported-code"}, http.StatusBadRequest, "unsupported-code"},
		{"provider error without type", &exchange.ProviderError{}, http.StatusBadRequest, "Exchange rate error"},
		{"not configured", exchange.ErrNotConfigured, http.StatusInternalServerError, "Exchange rate API not configured"},
		{"upstream failure", fmt.Errorf("status 503: %w", exchange.ErrUpstream), http.StatusBadGateway, "Failed to fetch exchange rates"},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.provider.err = tt.err
			issued := env.seedKey(t, "owner-1", "converter", 10)

			rr := env.do(t, "POST", "/api/v1/convert", strings.NewReader(`{"from":"USD","to":"XXX","amount":5}`), apiKey(issued.Plaintext))
			assertStatus(t, rr, tt.wantStatus)
			assertError(t, rr, tt.wantError)
		})
	}
}

func TestConvertFailureLogsAdmittingKey(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := NewConvertHandler(&stubProvider{err: fmt.Errorf("status 503: %w", exchange.ErrUpstream)}, logger)

	d := &service.Decision{
		Outcome: service.OutcomeAdmitted,
		Status:  http.StatusOK,
		Key:     &model.APIKey{ID: "key-42", KeyPrefix: "ck_abcd1"},
	}
	req := httptest.NewRequest("POST", "/api/v1/convert", strings.NewReader(`{"from":"USD","to":"EUR","amount":1}`))
	req = req.WithContext(context.WithValue(req.Context(), middleware.DecisionKey, d))
	rr := httptest.NewRecorder()

	h.Convert(rr, req)

	assertStatus(t, rr, http.StatusBadGateway)
	out := buf.String()
	if !strings.Contains(out, "key_id=key-42") || !strings.Contains(out, "key_prefix=ck_abcd1") {
		t.Errorf("log line missing key attributes: %s", out)
	}

	// Without a decision the line is still written, untagged.
	buf.Reset()
	req = httptest.NewRequest("POST", "/api/v1/convert", strings.NewReader(`{"from":"USD","to":"EUR","amount":1}`))
	h.Convert(httptest.NewRecorder(), req)
	if out := buf.String(); !strings.Contains(out, "exchange rate provider failed") || strings.Contains(out, "key_id") {
		t.Errorf("unexpected log output: %s", out)
	}
}
