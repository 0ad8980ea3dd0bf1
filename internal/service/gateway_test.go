package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/calcdeck/keygate/internal/config"
)

func TestGatewayRateLimitSequence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{RateLimit: intPtr(2)})

	want := []struct {
		outcome   Outcome
		status    int
		remaining int
	}{
		{OutcomeAdmitted, http.StatusOK, 1},
		{OutcomeAdmitted, http.StatusOK, 0},
		{OutcomeRateLimited, http.StatusTooManyRequests, 0},
	}
	for i, w := range want {
		d, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
		if err != nil {
			t.Fatalf("call %d: Validate: %v", i+1, err)
		}
		if d.Outcome != w.outcome || d.Status != w.status {
			t.Fatalf("call %d: got %s/%d, want %s/%d", i+1, d.Outcome, d.Status, w.outcome, w.status)
		}
		if d.Quota == nil || d.Quota.Remaining != w.remaining || d.Quota.Limit != 2 {
			t.Errorf("call %d: quota = %+v, want remaining %d", i+1, d.Quota, w.remaining)
		}
		if !d.Quota.Reset.Equal(issued.Key.RateLimitResetAt) {
			t.Errorf("call %d: reset = %v, want %v", i+1, d.Quota.Reset, issued.Key.RateLimitResetAt)
		}
		env.clock.Advance(time.Second)
	}

	stored, err := env.store.GetAPIKey(ctx, issued.Key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if stored.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2 (denial must not increment)", stored.RequestCount)
	}

	entries := env.usage.all()
	if len(entries) != 3 {
		t.Fatalf("got %d usage entries, want 3", len(entries))
	}
	for i, status := range []int{200, 200, 429} {
		if entries[i].StatusCode != status {
			t.Errorf("entry %d status = %d, want %d", i, entries[i].StatusCode, status)
		}
		if entries[i].APIKeyID == nil || *entries[i].APIKeyID != issued.Key.ID {
			t.Errorf("entry %d not attributed to key", i)
		}
	}
}

func TestGatewayAdmitUpdatesLastRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{})

	env.clock.Advance(5 * time.Minute)
	d, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !d.Admitted() || d.Err() != nil {
		t.Fatalf("expected admission, got %s", d.Outcome)
	}
	if d.Key == nil || d.Key.ID != issued.Key.ID || d.Key.Name != "test key" {
		t.Errorf("unexpected key metadata: %+v", d.Key)
	}

	stored, _ := env.store.GetAPIKey(ctx, issued.Key.ID)
	if stored.LastRequestAt == nil || !stored.LastRequestAt.Equal(env.clock.Now()) {
		t.Errorf("LastRequestAt = %v, want %v", stored.LastRequestAt, env.clock.Now())
	}
	if stored.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", stored.RequestCount)
	}
}

func TestGatewayMissingKey(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.gateway.Validate(context.Background(), "", testRequest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Outcome != OutcomeMissingKey || d.Status != http.StatusUnauthorized {
		t.Errorf("got %s/%d, want missing_key/401", d.Outcome, d.Status)
	}
	if d.Quota != nil || d.Key != nil {
		t.Error("no key metadata expected without a key")
	}
	if !errors.Is(d.Err(), ErrUnauthorized) {
		t.Errorf("Err() = %v, want ErrUnauthorized", d.Err())
	}
	if n := len(env.usage.all()); n != 0 {
		t.Errorf("got %d usage entries, want none", n)
	}
}

func TestGatewayInvalidKey(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.gateway.Validate(context.Background(), "ck_doesnotexist", testRequest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Outcome != OutcomeInvalidKey || d.Status != http.StatusUnauthorized || d.Message != "Invalid API key" {
		t.Errorf("got %s/%d/%q", d.Outcome, d.Status, d.Message)
	}
	if d.Quota != nil {
		t.Error("unidentified key must not carry quota")
	}

	entries := env.usage.all()
	if len(entries) != 1 {
		t.Fatalf("got %d usage entries, want 1", len(entries))
	}
	e := entries[0]
	if e.APIKeyID != nil || e.StatusCode != 401 {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Endpoint != testRequest.Endpoint || e.IPAddress != testRequest.IPAddress || e.UserAgent != testRequest.UserAgent {
		t.Errorf("request info not recorded: %+v", e)
	}
}

func TestGatewayInactiveKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{RateLimit: intPtr(10)})

	if _, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := env.keys.DeactivateKey(ctx, "owner-a", issued.Key.ID); err != nil {
		t.Fatalf("DeactivateKey: %v", err)
	}

	d, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Outcome != OutcomeInactive || d.Status != http.StatusForbidden || d.Message != "API key is inactive" {
		t.Errorf("got %s/%d/%q", d.Outcome, d.Status, d.Message)
	}
	if d.Quota == nil || d.Quota.Remaining != 9 {
		t.Errorf("quota = %+v, want remaining 9", d.Quota)
	}

	stored, _ := env.store.GetAPIKey(ctx, issued.Key.ID)
	if stored.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1 (rejection must not consume quota)", stored.RequestCount)
	}

	entries := env.usage.all()
	if last := entries[len(entries)-1]; last.StatusCode != 403 || last.APIKeyID == nil {
		t.Errorf("unexpected entry: %+v", last)
	}
}

func TestGatewayExpiredKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{ExpiresInDays: intPtr(1)})

	env.clock.Advance(48 * time.Hour)

	d, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Outcome != OutcomeExpired || d.Status != http.StatusForbidden || d.Message != "API key has expired" {
		t.Errorf("got %s/%d/%q", d.Outcome, d.Status, d.Message)
	}
	if !errors.Is(d.Err(), ErrForbidden) {
		t.Errorf("Err() = %v, want ErrForbidden", d.Err())
	}
	// The window ended long ago, so the full quota is reported.
	if d.Quota == nil || d.Quota.Remaining != 1000 {
		t.Errorf("quota = %+v, want remaining 1000", d.Quota)
	}
	if len(env.usage.all()) != 1 {
		t.Errorf("expected expired attempt to be logged")
	}
}

func TestGatewayExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{ExpiresInDays: intPtr(1)})

	// Exactly at expires_at the key is still usable; it expires strictly after.
	env.clock.Advance(24 * time.Hour)
	d, _ := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if d.Outcome != OutcomeAdmitted {
		t.Errorf("at expiry: got %s, want admitted", d.Outcome)
	}

	env.clock.Advance(time.Millisecond)
	d, _ = env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if d.Outcome != OutcomeExpired {
		t.Errorf("after expiry: got %s, want expired", d.Outcome)
	}
}

func TestGatewayWindowRollover(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{RateLimit: intPtr(1)})

	d, _ := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if d.Outcome != OutcomeAdmitted {
		t.Fatalf("first call: got %s", d.Outcome)
	}
	d, _ = env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if d.Outcome != OutcomeRateLimited {
		t.Fatalf("second call: got %s", d.Outcome)
	}
	if d.Quota.RetryAfter != time.Hour {
		t.Errorf("second call: retry after = %v, want 1h", d.Quota.RetryAfter)
	}

	env.clock.Advance(time.Hour)
	now := env.clock.Now()

	d, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Outcome != OutcomeAdmitted {
		t.Fatalf("after rollover: got %s, want admitted", d.Outcome)
	}
	if d.Quota.Remaining != 0 || !d.Quota.Reset.Equal(now.Add(time.Hour)) {
		t.Errorf("quota = %+v, want remaining 0 reset %v", d.Quota, now.Add(time.Hour))
	}

	stored, _ := env.store.GetAPIKey(ctx, issued.Key.ID)
	if stored.RequestCount != 1 || !stored.RateLimitResetAt.Equal(now.Add(time.Hour)) {
		t.Errorf("stored window = %d/%v", stored.RequestCount, stored.RateLimitResetAt)
	}
}

func TestGatewayConcurrentAdmissionsBounded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	issued := env.issue(t, "owner-a", CreateKeyParams{RateLimit: intPtr(5)})

	const callers = 25
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := env.gateway.Validate(ctx, issued.Plaintext, testRequest)
			if err != nil {
				t.Errorf("Validate: %v", err)
				return
			}
			if d.Admitted() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Errorf("admitted %d requests, want exactly 5", admitted)
	}
	stored, _ := env.store.GetAPIKey(ctx, issued.Key.ID)
	if stored.RequestCount != 5 {
		t.Errorf("RequestCount = %d, want 5", stored.RequestCount)
	}
}

func TestGatewayStorageFailure(t *testing.T) {
	g := NewGateway(failingStore{err: errors.New("connection refused")}, nil, DefaultGatewayConfig(), nil, nil)

	d, err := g.Validate(context.Background(), "ck_anything", testRequest)
	if d != nil {
		t.Errorf("expected no decision, got %+v", d)
	}
	if !errors.Is(err, ErrStorage) || StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestGatewayHashLookup(t *testing.T) {
	env := newTestEnv(t)
	issued := env.issue(t, "owner-a", CreateKeyParams{})

	// Lookup is by hash; the prefix alone must not authenticate.
	d, _ := env.gateway.Validate(context.Background(), issued.Key.KeyPrefix, testRequest)
	if d.Outcome != OutcomeInvalidKey {
		t.Errorf("prefix authenticated: %s", d.Outcome)
	}
	if config.HashAPIKey(issued.Plaintext) != issued.Key.KeyHash {
		t.Error("stored hash does not match plaintext hash")
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		OutcomeAdmitted:    "admitted",
		OutcomeMissingKey:  "missing_key",
		OutcomeInvalidKey:  "invalid_key",
		OutcomeInactive:    "inactive",
		OutcomeExpired:     "expired",
		OutcomeRateLimited: "rate_limited",
		Outcome(99):        "unknown",
	} {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
