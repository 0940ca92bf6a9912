package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/avalanche-data-cache/internal/fetch"
	"github.com/i474232898/avalanche-data-cache/internal/query"
)

var (
	// ErrNotFound is returned when no entry exists for a key.
	ErrNotFound = errors.New("no cache entry for key")
)

// State is the lifecycle state of a cache entry.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StateFresh
	StateStale
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Fetcher produces the canonical value for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key query.Key, plan fetch.Plan) (any, error)
}

// Resolver turns a query into the plan that fetches it and the policy that
// governs its entry. It rejects malformed queries.
type Resolver interface {
	Resolve(q query.Query) (fetch.Plan, Policy, error)
}

// View is a read-only snapshot of an entry. Value is shared by every reader
// of the entry and must not be modified.
type View struct {
	Key       query.Key
	Value     any
	FetchedAt time.Time
	State     State
	// Stale is set when Value is past its freshness horizon.
	Stale bool
	// Err is the most recent fetch failure, kept until a fetch succeeds.
	Err error
}

// ReadOptions tunes Read.
type ReadOptions struct {
	// AllowStale returns a stale value immediately and refreshes it in the
	// background instead of waiting for the refetch.
	AllowStale bool
}

type entry struct {
	query  query.Query
	key    query.Key
	plan   fetch.Plan
	policy Policy

	value      any
	fetchedAt  time.Time
	freshUntil time.Time
	evictAfter time.Time
	lastUsed   time.Time
	err        error

	// done is non-nil while a fetch is in flight and closed when it lands.
	done chan struct{}
}

func (e *entry) fresh(now time.Time) bool {
	return e.value != nil && now.Before(e.freshUntil)
}

func (e *entry) state(now time.Time) State {
	switch {
	case e.done != nil:
		return StateFetching
	case e.err != nil:
		return StateFailed
	case e.value == nil:
		return StateEmpty
	case now.Before(e.freshUntil):
		return StateFresh
	default:
		return StateStale
	}
}

// minValuelessRetention is the shortest time an entry that never held a value
// is kept after last use.
const minValuelessRetention = time.Minute

// touch pushes the eviction deadline out from now, never before freshUntil.
func (e *entry) touch(now time.Time) {
	if now.After(e.lastUsed) {
		e.lastUsed = now
	}
	if e.policy.Eviction == Never {
		return
	}
	until := now.Add(time.Duration(e.policy.Eviction))
	if until.Before(e.freshUntil) {
		until = e.freshUntil
	}
	if until.After(e.evictAfter) {
		e.evictAfter = until
	}
}

// expired reports whether e may be dropped. Entries without a value expire
// after the freshness horizon even when the policy never evicts.
func (e *entry) expired(now time.Time) bool {
	if e.done != nil {
		return false
	}
	if e.value == nil {
		return !now.Before(e.lastUsed.Add(e.valuelessRetention()))
	}
	return e.policy.Eviction != Never && !now.Before(e.evictAfter)
}

func (e *entry) valuelessRetention() time.Duration {
	d := e.policy.Freshness
	if d < minValuelessRetention {
		d = minValuelessRetention
	}
	if e.policy.Eviction != Never && time.Duration(e.policy.Eviction) < d {
		d = time.Duration(e.policy.Eviction)
	}
	return d
}

func (e *entry) view(now time.Time) View {
	return View{
		Key:       e.key,
		Value:     e.value,
		FetchedAt: e.fetchedAt,
		State:     e.state(now),
		Stale:     e.value != nil && !now.Before(e.freshUntil),
		Err:       e.err,
	}
}

// Store is a concurrency-safe in-memory cache of canonical values. It is the
// only owner of entry state.
type Store struct {
	mu      sync.Mutex
	entries map[query.Key]*entry

	fetcher  Fetcher
	resolver Resolver
	now      func() time.Time
	log      zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates an empty Store.
func New(fetcher Fetcher, resolver Resolver, opts ...Option) *Store {
	s := &Store{
		entries:  make(map[query.Key]*entry),
		fetcher:  fetcher,
		resolver: resolver,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "store").Logger()
	return s
}

// lookup returns the entry for q, creating it when missing or expired.
// Callers hold s.mu.
func (s *Store) lookup(q query.Query, now time.Time) (*entry, error) {
	key := q.Key()
	if e, ok := s.entries[key]; ok {
		if !e.expired(now) {
			return e, nil
		}
		delete(s.entries, key)
	}

	plan, policy, err := s.resolver.Resolve(q)
	if err != nil {
		return nil, err
	}
	policy = policy.Normalize()
	e := &entry{query: q, key: key, plan: plan, policy: policy}
	e.touch(now)
	s.entries[key] = e
	return e, nil
}

// start launches a background fetch for e. Callers hold s.mu and have checked
// that no fetch is in flight.
func (s *Store) start(e *entry) chan struct{} {
	done := make(chan struct{})
	e.done = done
	go s.run(e, done)
	return done
}

func (s *Store) run(e *entry, done chan struct{}) {
	defer close(done)

	v, err := s.fetcher.Fetch(context.Background(), e.key, e.plan)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e.done = nil
	if err != nil {
		e.err = err
		ev := s.log.Warn().Err(err).Str("key", string(e.key))
		if e.value != nil {
			ev = ev.Time("last_good", e.fetchedAt)
		}
		ev.Msg("fetch failed")
		return
	}

	e.value = v
	e.err = nil
	e.fetchedAt = now
	e.freshUntil = now.Add(e.policy.Freshness)
	e.touch(now)
}

// Read returns the entry for q. A fresh value is returned at once. A stale
// value is returned at once with AllowStale, and refreshed in the background;
// otherwise Read waits for the fetch. If ctx ends first Read returns ctx.Err()
// while the fetch carries on for other callers.
//
// The returned error is non-nil only when there is no value to show; a last
// good value that failed to refresh comes back with View.Err set.
func (s *Store) Read(ctx context.Context, q query.Query, opts ReadOptions) (View, error) {
	now := s.now()

	s.mu.Lock()
	e, err := s.lookup(q, now)
	if err != nil {
		s.mu.Unlock()
		return View{}, err
	}
	e.touch(now)

	if e.fresh(now) {
		v := e.view(now)
		s.mu.Unlock()
		return v, nil
	}

	if e.value != nil && opts.AllowStale {
		if e.done == nil {
			s.start(e)
		}
		v := e.view(now)
		s.mu.Unlock()
		return v, nil
	}

	done := e.done
	if done == nil {
		done = s.start(e)
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-done:
	}

	s.mu.Lock()
	v := e.view(s.now())
	s.mu.Unlock()

	if v.Value == nil {
		return v, v.Err
	}
	return v, nil
}

// Prefetch makes sure a fresh value for q will exist without waiting for it.
// It does nothing if the entry is fresh or already being fetched.
func (s *Store) Prefetch(q query.Query) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(q, now)
	if err != nil {
		return err
	}
	if e.done != nil || e.fresh(now) {
		return nil
	}
	s.start(e)
	return nil
}

// Invalidate marks the entry for q stale. It reports whether an entry existed.
func (s *Store) Invalidate(q query.Query) bool {
	key := q.Key()
	return s.InvalidateMatching(func(k query.Key) bool { return k == key }) > 0
}

// InvalidateMatching marks every entry whose key satisfies match stale and
// returns how many were marked.
func (s *Store) InvalidateMatching(match func(query.Key) bool) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if !match(key) {
			continue
		}
		if e.freshUntil.After(now) {
			e.freshUntil = now
		}
		n++
	}
	return n
}

// Peek returns the entry for q without fetching.
func (s *Store) Peek(q query.Query) (View, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[q.Key()]
	if !ok || e.expired(now) {
		return View{}, ErrNotFound
	}
	return e.view(now), nil
}

// StaleQueries returns the queries of entries that are neither fresh nor
// being fetched: stale values and failed entries.
func (s *Store) StaleQueries() []query.Query {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []query.Query
	for _, e := range s.entries {
		if e.done != nil || e.fresh(now) || e.expired(now) {
			continue
		}
		out = append(out, e.query)
	}
	return out
}

// Sweep drops entries past their eviction horizon and returns how many.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
