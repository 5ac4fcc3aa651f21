// Package clock abstracts wall time and one-shot timers so the
// retransmission scheduler can be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (System) or synchronously from
	// Advance (Manual) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the scheduler relies on.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var _ Clock = System{}

// Manual is a Clock that only moves when Advance is called. Timers fire
// synchronously, in deadline order, on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{
		clock:  m,
		when:   m.now.Add(d),
		fn:     f,
		active: true,
	}
	m.timers = append(m.timers, t)

	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due
// on the way. Timers armed by a callback fire too if they fall within d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}

		if next.when.After(m.now) {
			m.now = next.when
		}
		next.active = false
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}

// Armed returns the number of timers waiting to fire.
func (m *Manual) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}

	return n
}

// NextDeadline returns when the earliest armed timer fires.
func (m *Manual) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if t.active {
			active = append(active, t)
		}
	}

	if len(active) == 0 {
		return time.Time{}, false
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].when.Before(active[j].when)
	})

	return active[0].when, true
}

// nextDue must be called with m.mu held
func (m *Manual) nextDue(target time.Time) *manualTimer {
	var next *manualTimer

	for _, t := range m.timers {
		if !t.active || t.when.After(target) {
			continue
		}

		if next == nil || t.when.Before(next.when) {
			next = t
		}
	}

	return next
}

type manualTimer struct {
	clock  *Manual
	when   time.Time
	fn     func()
	active bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := t.active
	t.active = false

	return wasActive
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasActive := t.active
	t.when = t.clock.now.Add(d)
	t.active = true

	return wasActive
}

var _ Clock = (*Manual)(nil)
