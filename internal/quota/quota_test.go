package quota

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluateSequence(t *testing.T) {
	st := State{Count: 0, ResetAt: t0.Add(time.Hour)}

	want := []struct {
		allowed   bool
		remaining int
	}{
		{true, 1},
		{true, 0},
		{false, 0},
	}
	for i, w := range want {
		r := Evaluate(st, 2, t0.Add(time.Duration(i)*time.Second), time.Hour)
		if r.Allowed != w.allowed || r.Remaining != w.remaining {
			t.Fatalf("call %d: allowed=%v remaining=%d, want allowed=%v remaining=%d",
				i+1, r.Allowed, r.Remaining, w.allowed, w.remaining)
		}
		if !r.ResetAt.Equal(t0.Add(time.Hour)) {
			t.Errorf("call %d: ResetAt = %v, want %v", i+1, r.ResetAt, t0.Add(time.Hour))
		}
		st = r.State
	}
	if st.Count != 2 {
		t.Errorf("final count = %d, want 2", st.Count)
	}
}

func TestEvaluateIncrementsByOne(t *testing.T) {
	for count := 0; count < 5; count++ {
		st := State{Count: count, ResetAt: t0.Add(time.Minute)}
		r := Evaluate(st, 5, t0, time.Hour)
		if !r.Allowed {
			t.Fatalf("count %d: expected admission", count)
		}
		if r.State.Count != count+1 {
			t.Errorf("count %d: new count = %d, want %d", count, r.State.Count, count+1)
		}
		if r.Rolled {
			t.Errorf("count %d: unexpected rollover", count)
		}
	}
}

func TestEvaluateDenyLeavesStateUnchanged(t *testing.T) {
	st := State{Count: 3, ResetAt: t0.Add(10 * time.Minute)}
	r := Evaluate(st, 3, t0, time.Hour)
	if r.Allowed {
		t.Fatal("expected denial at count == limit")
	}
	if r.State != st {
		t.Errorf("state changed on denial: %+v", r.State)
	}
	if r.RetryAfter != 10*time.Minute {
		t.Errorf("RetryAfter = %v, want 10m", r.RetryAfter)
	}
}

func TestEvaluateRollover(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
	}{
		{"exactly at reset", t0},
		{"after reset", t0.Add(3 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := State{Count: 10, ResetAt: t0}
			r := Evaluate(st, 10, tt.now, time.Hour)
			if !r.Rolled {
				t.Fatal("expected rollover")
			}
			if !r.Allowed {
				t.Fatal("first request after rollover must be admitted")
			}
			if r.State.Count != 1 {
				t.Errorf("count = %d, want 1", r.State.Count)
			}
			if !r.State.ResetAt.Equal(tt.now.Add(time.Hour)) {
				t.Errorf("ResetAt = %v, want %v", r.State.ResetAt, tt.now.Add(time.Hour))
			}
			if r.Remaining != 9 {
				t.Errorf("Remaining = %d, want 9", r.Remaining)
			}
		})
	}
}

func TestEvaluateJustBeforeReset(t *testing.T) {
	st := State{Count: 1, ResetAt: t0}
	r := Evaluate(st, 1, t0.Add(-time.Nanosecond), time.Hour)
	if r.Allowed || r.Rolled {
		t.Errorf("expected denial without rollover, got %+v", r)
	}
}

func TestEvaluateDefaultWindow(t *testing.T) {
	r := Evaluate(State{}, 1, t0, 0)
	if !r.State.ResetAt.Equal(t0.Add(DefaultWindow)) {
		t.Errorf("ResetAt = %v, want %v", r.State.ResetAt, t0.Add(DefaultWindow))
	}
}

func TestSnapshot(t *testing.T) {
	st := State{Count: 4, ResetAt: t0.Add(time.Hour)}
	r := Snapshot(st, 10, t0)
	if r.Allowed || r.Remaining != 6 || !r.ResetAt.Equal(st.ResetAt) {
		t.Errorf("unexpected snapshot: %+v", r)
	}
	if r.State != st {
		t.Error("snapshot must not change state")
	}

	expired := Snapshot(st, 10, t0.Add(2*time.Hour))
	if expired.Remaining != 10 {
		t.Errorf("Remaining = %d, want full quota after window end", expired.Remaining)
	}
}
