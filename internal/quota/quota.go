// Package quota implements the per-key fixed-window admission decision.
//
// The window is anchored at the first request after the previous window
// ended rather than at wall-clock boundaries: a key's window runs from the
// rollover moment for exactly one window length. Evaluate is pure so the
// caller can run it inside whatever transaction guards the stored state.
package quota

import "time"

// DefaultWindow is the window length used when none is configured.
const DefaultWindow = time.Hour

// State is the persisted window state of a single key.
type State struct {
	Count   int
	ResetAt time.Time
}

// Result is the outcome of one admission decision.
type Result struct {
	Allowed bool
	// Rolled reports that the window expired and was restarted at now.
	Rolled bool
	// State is the window state after the decision; persist it when
	// Allowed or Rolled is true.
	State     State
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is how long until the window resets. Zero when allowed.
	RetryAfter time.Duration
}

// Evaluate decides whether one more request fits in the key's window.
//
// When now is at or past st.ResetAt the window rolls over first (count 0,
// reset now+window). The request is then admitted iff the count is below
// limit, in which case the count is incremented. A denial never changes the
// count.
func Evaluate(st State, limit int, now time.Time, window time.Duration) Result {
	if window <= 0 {
		window = DefaultWindow
	}

	r := Result{State: st, Limit: limit}
	if !now.Before(st.ResetAt) {
		r.State = State{Count: 0, ResetAt: now.Add(window)}
		r.Rolled = true
	}
	r.ResetAt = r.State.ResetAt

	if r.State.Count < limit {
		r.State.Count++
		r.Allowed = true
		r.Remaining = limit - r.State.Count
		return r
	}

	r.Remaining = 0
	r.RetryAfter = r.ResetAt.Sub(now)
	if r.RetryAfter < 0 {
		r.RetryAfter = 0
	}
	return r
}

// Snapshot reports the quota of a stored window without consuming it.
// A window that has already ended is reported as fully available.
func Snapshot(st State, limit int, now time.Time) Result {
	r := Result{State: st, Limit: limit, ResetAt: st.ResetAt}
	if !now.Before(st.ResetAt) {
		r.Remaining = limit
		return r
	}
	r.Remaining = limit - st.Count
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	return r
}
