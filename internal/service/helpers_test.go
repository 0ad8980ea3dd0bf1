package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/model"
)

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// usageRecorder captures entries synchronously.
type usageRecorder struct {
	mu      sync.Mutex
	entries []model.UsageLogEntry
}

func (r *usageRecorder) Record(e model.UsageLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *usageRecorder) all() []model.UsageLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.UsageLogEntry(nil), r.entries...)
}

// failingStore fails every call with err.
type failingStore struct {
	err error
}

func (s failingStore) CreateAPIKey(context.Context, *model.APIKey) error { return s.err }
func (s failingStore) GetAPIKeyByHash(context.Context, string) (*model.APIKey, error) {
	return nil, s.err
}
func (s failingStore) ListAPIKeysByOwner(context.Context, string) ([]model.APIKey, error) {
	return nil, s.err
}
func (s failingStore) DeactivateAPIKey(context.Context, string, string) error { return s.err }
func (s failingStore) ApplyQuota(context.Context, string, config.QuotaFunc) (*model.APIKey, error) {
	return nil, s.err
}
func (s failingStore) GetAPIKey(context.Context, string) (*model.APIKey, error) { return nil, s.err }
func (s failingStore) ListUsageLogs(context.Context, string, int) ([]model.UsageLogEntry, error) {
	return nil, s.err
}

type testEnv struct {
	store   *config.Store
	clock   *fakeClock
	usage   *usageRecorder
	keys    *KeyService
	gateway *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)
	clock := newFakeClock()
	usage := &usageRecorder{}

	cfg := DefaultGatewayConfig()
	cfg.Now = clock.Now

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		store:   store,
		clock:   clock,
		usage:   usage,
		keys:    NewKeyService(store, cfg, nil),
		gateway: NewGateway(store, usage, cfg, logger, nil),
	}
}

func (e *testEnv) issue(t *testing.T, owner string, p CreateKeyParams) *IssuedKey {
	t.Helper()
	if p.Name == "" {
		p.Name = "test key"
	}
	k, err := e.keys.CreateKey(context.Background(), owner, p)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	return k
}

func intPtr(v int) *int { return &v }

var testRequest = RequestInfo{
	Endpoint:  "/api/v1/convert",
	Method:    "POST",
	IPAddress: "203.0.113.7",
	UserAgent: "calc-client/1.0",
}
