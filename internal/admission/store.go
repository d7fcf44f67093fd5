package admission

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admissiond/admissiond/internal/xerrors"
)

// ErrStoreFull is returned when the store is at capacity and a request
// arrives for a key it does not already track. Callers treat it as an
// infrastructure fault and fail open.
var ErrStoreFull = xerrors.New("rate limit store at capacity")

// Decision is the outcome of charging one request against a policy.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfterSeconds is ceil(time until the window resets); zero unless
	// the request was denied.
	RetryAfterSeconds int
}

// windowState is one key's counter for the current window. Owned exclusively
// by the store; only touched under the owning shard's lock.
type windowState struct {
	count       int
	windowStart time.Time
	resetAt     time.Time

	// firstSeen survives window rollovers, diagnostic only
	firstSeen time.Time
}

const storeShards = 64

type storeShard struct {
	mu      sync.Mutex
	entries map[string]*windowState
}

// WindowStore maps keys to fixed-window counters. The check-rollover-increment
// sequence for a key runs under that key's shard lock, so concurrent
// evaluations of one key serialize and the admitted count per window never
// exceeds the policy ceiling. Different keys land on different shards and do
// not contend (beyond hash collisions).
type WindowStore struct {
	shards  [storeShards]storeShard
	maxKeys int
	size    atomic.Int64
}

// StoreOption configures a WindowStore.
type StoreOption func(*WindowStore)

// WithMaxKeys bounds the number of tracked keys. At the bound, evaluations
// for unseen keys return ErrStoreFull until the evictor reclaims entries.
// The bound is approximate under concurrency, never off by more than the
// number of in-flight evaluations. 0 means unbounded.
func WithMaxKeys(n int) StoreOption {
	return func(s *WindowStore) { s.maxKeys = n }
}

// NewStore creates an empty WindowStore.
func NewStore(opts ...StoreOption) *WindowStore {
	s := &WindowStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*windowState)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *WindowStore) shardFor(key string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%storeShards]
}

// Evaluate atomically charges one request for key against p and reports the
// decision. This is the store's only mutation path for counters: lookup,
// window rollover, and increment happen under one shard lock, so callers
// never read-then-write separately.
//
// The counting rule is increment-then-compare: the request that pushes the
// count to MaxRequests+1 is the first one denied, i.e. exactly MaxRequests
// requests are admitted per window. That off-by-one is the compatibility
// contract, not a bug.
func (s *WindowStore) Evaluate(key string, p Policy, now time.Time) (Decision, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.entries[key]
	switch {
	case !ok:
		if s.maxKeys > 0 && s.size.Load() >= int64(s.maxKeys) {
			return Decision{}, ErrStoreFull
		}
		st = &windowState{
			windowStart: now,
			resetAt:     now.Add(p.Window),
			firstSeen:   now,
		}
		sh.entries[key] = st
		s.size.Add(1)
	case !now.Before(st.resetAt):
		// window rollover: replace, never merge
		first := st.firstSeen
		*st = windowState{
			windowStart: now,
			resetAt:     now.Add(p.Window),
			firstSeen:   first,
		}
	}

	st.count++

	d := Decision{
		Allowed: st.count <= p.MaxRequests,
		Limit:   p.MaxRequests,
		ResetAt: st.resetAt,
	}
	if rem := p.MaxRequests - st.count; rem > 0 {
		d.Remaining = rem
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfterSeconds(st.resetAt, now)
	}
	return d, nil
}

// retryAfterSeconds is ceil((resetAt-now)/1s), floored at 1 so a denied
// client never sees Retry-After: 0.
func retryAfterSeconds(resetAt, now time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Evict removes every entry whose window expired more than grace ago.
// Returns the number of entries removed. Locking is per shard; evaluations
// on other shards proceed while a shard sweeps.
func (s *WindowStore) Evict(now time.Time, grace time.Duration) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, st := range sh.entries {
			if st.resetAt.Add(grace).Before(now) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.size.Add(int64(-removed))
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *WindowStore) Len() int { return int(s.size.Load()) }

// Contains reports whether key currently has a tracked window.
func (s *WindowStore) Contains(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[key]
	return ok
}
