package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/exchange"
	"github.com/calcdeck/keygate/internal/server/middleware"
	"github.com/calcdeck/keygate/internal/service"
	"github.com/calcdeck/keygate/internal/usage"
)

const testJWTSecret = "test-secret-for-handler-tests"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// stubProvider answers every conversion with a fixed rate, or with err.
type stubProvider struct {
	rate  float64
	err   error
	calls int
}

func (p *stubProvider) Convert(_ context.Context, from, to string, amount float64) (*exchange.Conversion, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &exchange.Conversion{From: from, To: to, Amount: amount, Rate: p.rate, Result: amount * p.rate}, nil
}

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	clock    *testClock
	authSvc  *service.AuthService
	keys     *service.KeyService
	usage    *usage.Logger
	provider *stubProvider
	router   chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory store, the
// real services and a Chi router with the key and convert routes mounted.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := service.DefaultGatewayConfig()
	cfg.Now = clock.Now

	usageLogger := usage.NewLogger(usage.NewStoreSink(store), logger)
	keys := service.NewKeyService(store, cfg, nil)
	gateway := service.NewGateway(store, usageLogger, cfg, logger, nil)
	authSvc := service.NewAuthService(testJWTSecret)
	provider := &stubProvider{rate: 0.92}

	keyHandler := NewKeyHandler(keys, gateway, logger)
	convertHandler := NewConvertHandler(provider, logger)
	convertHandler.now = clock.Now

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOwner(authSvc))
			r.Post("/keys", keyHandler.CreateKey)
			r.Get("/keys", keyHandler.ListKeys)
			r.Delete("/keys/{keyId}", keyHandler.DeactivateKey)
		})
		r.Post("/keys/validate", keyHandler.Validate)
		r.With(middleware.RequireAPIKey(gateway, logger)).Post("/convert", convertHandler.Convert)
	})

	return &testEnv{
		store:    store,
		clock:    clock,
		authSvc:  authSvc,
		keys:     keys,
		usage:    usageLogger,
		provider: provider,
		router:   r,
	}
}

// ownerToken mints a bearer token for ownerID.
func (e *testEnv) ownerToken(t *testing.T, ownerID string) string {
	t.Helper()
	token, err := e.authSvc.IssueJWT(context.Background(), ownerID, ownerID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	return token
}

// seedKey issues a key for ownerID through the service and returns it.
func (e *testEnv) seedKey(t *testing.T, ownerID, name string, rateLimit int) *service.IssuedKey {
	t.Helper()
	issued, err := e.keys.CreateKey(context.Background(), ownerID, service.CreateKeyParams{Name: name, RateLimit: &rateLimit})
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return issued
}

// usageCount drains pending usage writes and returns the number stored.
func (e *testEnv) usageCount(t *testing.T) int {
	t.Helper()
	e.usage.Wait()
	n, err := e.store.CountUsageLogs(context.Background())
	if err != nil {
		t.Fatalf("CountUsageLogs: %v", err)
	}
	return n
}

// do executes an HTTP request against the test router and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func apiKey(key string) map[string]string {
	return map[string]string{middleware.APIKeyHeader: key}
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeJSON(t, rr, &body)
	if body.Error != want {
		t.Errorf("error = %q, want %q", body.Error, want)
	}
}
