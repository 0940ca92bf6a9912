// Package revalidate schedules background refetches when the application comes
// back online or returns to the foreground.
package revalidate

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/i474232898/avalanche-data-cache/internal/query"
)

// Store is the part of the cache the trigger drives.
type Store interface {
	StaleQueries() []query.Query
	Prefetch(q query.Query) error
}

// Trigger tracks reachability and foreground state. It holds no cache state.
type Trigger struct {
	store Store
	log   zerolog.Logger

	mu         sync.Mutex
	online     bool
	foreground bool
}

// New creates a Trigger. The application starts out online and foregrounded.
func New(store Store, log zerolog.Logger) *Trigger {
	return &Trigger{
		store:      store,
		log:        log.With().Str("component", "revalidate").Logger(),
		online:     true,
		foreground: true,
	}
}

// SetOnline records network reachability and returns how many refetches it
// scheduled.
func (t *Trigger) SetOnline(online bool) int {
	return t.update(func() { t.online = online })
}

// SetForeground records foreground state and returns how many refetches it
// scheduled.
func (t *Trigger) SetForeground(foreground bool) int {
	return t.update(func() { t.foreground = foreground })
}

// State returns the current signal values.
func (t *Trigger) State() (online, foreground bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online, t.foreground
}

func (t *Trigger) update(apply func()) int {
	t.mu.Lock()
	was := t.online && t.foreground
	apply()
	now := t.online && t.foreground
	t.mu.Unlock()

	if was || !now {
		return 0
	}
	return t.revalidate()
}

func (t *Trigger) revalidate() int {
	n := 0
	for _, q := range t.store.StaleQueries() {
		if err := t.store.Prefetch(q); err != nil {
			t.log.Warn().Err(err).Str("query", string(q.Key())).Msg("revalidation prefetch failed")
			continue
		}
		n++
	}
	t.log.Info().Int("scheduled", n).Msg("revalidating stale entries")
	return n
}

// Run applies signals from the channels until ctx ends. A nil channel is
// ignored.
func (t *Trigger) Run(ctx context.Context, online, foreground <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			t.SetOnline(v)
		case v, ok := <-foreground:
			if !ok {
				foreground = nil
				continue
			}
			t.SetForeground(v)
		}
	}
}
