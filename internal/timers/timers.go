// Package timers keeps the live clock timers of one job in step with the
// timer facts recorded in its aggregate.
//
// Each armed kind has exactly one pending clock timer. Every arm bumps a
// generation counter carried by the expiry, so an expiry that was already in
// flight when its timer was disarmed or re-armed is recognisably stale when
// it is finally processed.
package timers

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/unso/internal/clock"
	"github.com/ashita-ai/unso/internal/model"
)

// Expiry is delivered to the owner when a timer fires.
type Expiry struct {
	JobID    uuid.UUID
	Kind     model.TimerKind
	Deadline time.Time
	Gen      uint64
}

type entry struct {
	deadline time.Time
	gen      uint64
	timer    *clock.Timer
}

// Registry is the set of live timers for a single job. It is safe for
// concurrent use; Fire callbacks run on the clock's goroutine.
type Registry struct {
	clock clock.Clock
	jobID uuid.UUID
	fire  func(Expiry)

	mu      sync.Mutex
	entries map[model.TimerKind]*entry
	gen     uint64
	closed  bool
}

// New returns an empty registry. fire is called once per expiry and must not
// block.
func New(c clock.Clock, jobID uuid.UUID, fire func(Expiry)) *Registry {
	return &Registry{
		clock:   c,
		jobID:   jobID,
		fire:    fire,
		entries: make(map[model.TimerKind]*entry),
	}
}

// Sync arms, re-arms, and disarms timers so that exactly the kinds in
// deadlines are pending, each at its given deadline. Kinds whose deadline is
// unchanged keep their pending timer.
func (r *Registry) Sync(deadlines map[model.TimerKind]time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for kind, e := range r.entries {
		if _, ok := deadlines[kind]; !ok {
			e.timer.Stop()
			delete(r.entries, kind)
		}
	}

	kinds := make([]model.TimerKind, 0, len(deadlines))
	for kind := range deadlines {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(a, b int) bool { return kinds[a] < kinds[b] })

	for _, kind := range kinds {
		deadline := deadlines[kind]
		if e, ok := r.entries[kind]; ok {
			if e.deadline.Equal(deadline) {
				continue
			}
			e.timer.Stop()
		}
		r.gen++
		exp := Expiry{JobID: r.jobID, Kind: kind, Deadline: deadline, Gen: r.gen}
		e := &entry{deadline: deadline, gen: r.gen}
		r.entries[kind] = e
		e.timer = r.clock.AfterFunc(deadline.Sub(r.clock.Now()), func() { r.fire(exp) })
	}
}

// Current reports whether exp belongs to a timer that is still armed.
func (r *Registry) Current(exp Expiry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[exp.Kind]
	return ok && e.gen == exp.Gen && !r.closed
}

// Armed returns the pending kinds in name order.
func (r *Registry) Armed() []model.TimerKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TimerKind, 0, len(r.entries))
	for kind := range r.entries {
		out = append(out, kind)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// DisarmAll stops every timer and closes the registry. It returns true only
// on the first call; later calls and later Syncs are no-ops.
func (r *Registry) DisarmAll() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	for kind, e := range r.entries {
		e.timer.Stop()
		delete(r.entries, kind)
	}
	return true
}
