package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timers and tickers fire only from
// Advance, in deadline order, which makes time-windowed heuristics testable
// without sleeping.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	seq     int
}

type fakeWaiter struct {
	deadline time.Time
	period   time.Duration // zero for one-shot timers
	fn       func()
	ch       chan time.Time
	stopped  bool
	seq      int
}

// NewFake returns a Fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTicker registers a ticker firing every d after the current fake time.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		deadline: f.now.Add(d),
		period:   d,
		ch:       make(chan time.Time, 1),
	}
	f.add(w)
	return &fakeTicker{clock: f, w: w}
}

// AfterFunc registers f to run when the fake time reaches now+d. The callback
// runs synchronously inside Advance.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{deadline: f.now.Add(d), fn: fn}
	f.add(w)
	return &fakeTimer{clock: f, w: w}
}

// Advance moves the clock forward by d, firing every due waiter in deadline
// order. Tickers whose channel is full drop the tick, like time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		w := f.nextDue(target)
		if w == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = w.deadline
		fireAt := w.deadline
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
		} else {
			w.stopped = true
			f.remove(w)
		}
		fn, ch := w.fn, w.ch
		f.mu.Unlock()

		if fn != nil {
			fn()
		}
		if ch != nil {
			select {
			case ch <- fireAt:
			default:
			}
		}
	}
}

// Set jumps to t without firing anything in between other than waiters that
// become due, exactly like Advance(t - Now()).
func (f *Fake) Set(t time.Time) {
	f.Advance(t.Sub(f.Now()))
}

// Pending returns the number of active timers and tickers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) add(w *fakeWaiter) {
	f.seq++
	w.seq = f.seq
	f.waiters = append(f.waiters, w)
}

func (f *Fake) remove(w *fakeWaiter) {
	for i, cand := range f.waiters {
		if cand == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return
		}
	}
}

// nextDue returns the earliest waiter due at or before target. Ties break on
// registration order.
func (f *Fake) nextDue(target time.Time) *fakeWaiter {
	if len(f.waiters) == 0 {
		return nil
	}
	sort.SliceStable(f.waiters, func(i, j int) bool {
		if f.waiters[i].deadline.Equal(f.waiters[j].deadline) {
			return f.waiters[i].seq < f.waiters[j].seq
		}
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	if f.waiters[0].deadline.After(target) {
		return nil
	}
	return f.waiters[0]
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time { return t.w.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if !t.w.stopped {
		t.w.stopped = true
		t.clock.remove(t.w)
	}
}

type fakeTimer struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped {
		return false
	}
	t.w.stopped = true
	t.clock.remove(t.w)
	return true
}
