package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock. Time moves only when Advance is called.
//
// Advance fires pending waiters in deadline order and sets Now to each
// waiter's deadline while it fires, so a callback observes the instant it was
// scheduled for. AfterFunc callbacks run synchronously in the goroutine
// calling Advance; they must not call Advance themselves.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	interval time.Duration
	stopped  bool
	fired    bool
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives once the clock passes now+d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&waiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules fn. With d <= 0 fn runs before AfterFunc returns.
func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		fn()
		return &Timer{stop: func() bool { return false }}
	}

	f.mu.Lock()
	w := &waiter{deadline: f.now.Add(d), fn: fn}
	f.addLocked(w)
	f.mu.Unlock()

	return &Timer{stop: func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		f.changed.Broadcast()
		return true
	}}
}

// NewTicker returns a ticker firing every d of fake time.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), ch: ch, interval: d}
	f.addLocked(w)
	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.stopped = true
		f.changed.Broadcast()
	}}
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// falls inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		w := f.nextDue(target)
		if w == nil {
			break
		}
		switch {
		case w.fn != nil:
			w.fn()
		case w.ch != nil:
			select {
			case w.ch <- w.deadline:
			default:
			}
		}
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// nextDue pops the earliest waiter due at or before target and moves the
// clock to its deadline. Tickers are rescheduled rather than removed.
func (f *Fake) nextDue(target time.Time) *waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	f.waiters = live
	if len(f.waiters) == 0 {
		return nil
	}
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	w := f.waiters[0]
	if w.deadline.After(target) {
		return nil
	}
	if w.deadline.After(f.now) {
		f.now = w.deadline
	}
	if w.interval > 0 {
		fired := *w
		w.deadline = w.deadline.Add(w.interval)
		return &fired
	}
	w.fired = true
	f.changed.Broadcast()
	return w
}

func (f *Fake) addLocked(w *waiter) {
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
}

// WaitForTimers blocks until at least n waiters are pending. Use it to close
// the gap between a goroutine registering a timer and the test advancing time.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of armed waiters.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
