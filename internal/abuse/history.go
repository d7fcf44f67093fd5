package abuse

import (
	"context"
	"sync"
	"time"
)

// Recorder is the in-process history log: a bounded, append-only buffer of
// recent requests per identity. It backs the detector on single-instance
// deployments; anything with a real log store replaces it behind
// HistoryProvider.
//
// Entries older than the retention are pruned lazily on write, so memory is
// bounded by (identities active within retention) x (cap per identity).
type Recorder struct {
	mu        sync.Mutex
	byID      map[string][]Entry
	capPerID  int
	retention time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithCapPerIdentity bounds how many entries one identity retains.
func WithCapPerIdentity(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.capPerID = n
		}
	}
}

// WithRetention sets how long entries stay relevant. Should comfortably
// cover the detector window.
func WithRetention(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.retention = d
		}
	}
}

// NewRecorder creates an empty history recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		byID:      make(map[string][]Entry),
		capPerID:  256,
		retention: 5 * time.Minute,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record appends one observed request. Anonymous entries are dropped; the
// detector only correlates by identity.
func (r *Recorder) Record(e Entry) {
	if e.Identity == "" {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byID[e.Identity]
	entries = prune(entries, e.At.Add(-r.retention))
	entries = append(entries, e)
	if over := len(entries) - r.capPerID; over > 0 {
		entries = entries[over:]
	}
	r.byID[e.Identity] = entries
}

// Recent returns the identity's entries at or after since, newest last.
// Never fails; the error return satisfies HistoryProvider.
func (r *Recorder) Recent(_ context.Context, identity string, since time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byID[identity]
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.At.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Sweep drops identities whose entire history has aged out. Called from the
// same housekeeping cadence as the window store evictor.
func (r *Recorder) Sweep(now time.Time) int {
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entries := range r.byID {
		entries = prune(entries, cutoff)
		if len(entries) == 0 {
			delete(r.byID, id)
			removed++
			continue
		}
		r.byID[id] = entries
	}
	return removed
}

// Identities reports how many identities currently hold history.
func (r *Recorder) Identities() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func prune(entries []Entry, cutoff time.Time) []Entry {
	i := 0
	for i < len(entries) && entries[i].At.Before(cutoff) {
		i++
	}
	return entries[i:]
}
