package pending

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/coapnode/internal/arena"
	"github.com/luma/coapnode/internal/clock"
)

const (
	DefaultCapacity   = 10
	DefaultAckTimeout = 2 * time.Second
	DefaultMaxRetries = 4
)

// SendFunc transmits an encoded message. It is never called with the
// scheduler's lock held.
type SendFunc func(data []byte, addr net.Addr) error

// ExpireFunc is called once for every entry that ran out of retries.
type ExpireFunc func(e Entry)

type Options struct {
	// Capacity is the number of pending slots, DefaultCapacity if unset
	Capacity int

	// AckTimeout is the wait before the first retransmission
	AckTimeout time.Duration

	Clock    clock.Clock
	Send     SendFunc
	OnExpire ExpireFunc

	Log *zap.Logger
}

// Scheduler owns a pending Table and the single timer that drives its
// retransmissions. The timer is always armed for the earliest deadline in
// the table, or stopped when the table is empty.
type Scheduler struct {
	mu     sync.Mutex
	table  *Table
	timer  clock.Timer
	closed bool

	clock      clock.Clock
	ackTimeout time.Duration
	send       SendFunc
	onExpire   ExpireFunc

	log *zap.Logger
}

func NewScheduler(options Options) *Scheduler {
	capacity := options.Capacity
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	ackTimeout := options.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	c := options.Clock
	if c == nil {
		c = clock.System{}
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Scheduler{
		table:      NewTable(capacity),
		clock:      c,
		ackTimeout: ackTimeout,
		send:       options.Send,
		onExpire:   options.OnExpire,
		log:        log,
	}
}

// Insert records a confirmable message that has just been, or is about to
// be, transmitted for the first time. The caller sends it, the scheduler
// only resends.
func (s *Scheduler) Insert(data []byte, messageID uint16, token []byte, addr net.Addr, maxRetries int) (arena.Handle, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	h, err := s.table.Insert(Entry{
		MessageID:  messageID,
		Token:      append([]byte(nil), token...),
		Addr:       addr,
		Data:       append([]byte(nil), data...),
		Retries:    1,
		MaxRetries: maxRetries,
		Timeout:    s.ackTimeout,
		Deadline:   now.Add(s.ackTimeout),
	})
	if err != nil {
		return arena.Handle{}, err
	}

	s.rearm(now)

	return h, nil
}

// Acknowledge frees the entry for messageID after an ACK or RST. A duplicate
// or late acknowledgement finds nothing and is ignored.
func (s *Scheduler) Acknowledge(messageID uint16) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.table.Remove(messageID)
	if !ok {
		return Entry{}, false
	}

	s.rearm(s.clock.Now())

	return e, true
}

// Tick resends or expires every entry whose deadline has passed. It is the
// timer's callback but is safe to call at any time.
func (s *Scheduler) Tick() {
	var (
		resend  []Entry
		expired []Entry
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()

	s.table.slots.Each(func(h arena.Handle, e *Entry) bool {
		if e.Deadline.After(now) {
			return true
		}

		if e.Retries < e.MaxRetries {
			// The next deadline follows from the previous one, not from now,
			// so a late tick does not push the whole schedule back.
			e.Retries++
			e.Timeout = NextTimeout(e.Timeout)
			e.Deadline = e.Deadline.Add(e.Timeout)
			resend = append(resend, *e)
			return true
		}

		expired = append(expired, *e)
		s.table.slots.Free(h)
		return true
	})

	s.rearm(now)
	s.mu.Unlock()

	for _, e := range resend {
		s.log.Debug("Retransmitting",
			zap.Uint16("messageID", e.MessageID),
			zap.Int("attempt", e.Retries),
			zap.Stringer("addr", e.Addr))

		if s.send == nil {
			continue
		}

		if err := s.send(e.Data, e.Addr); err != nil {
			s.log.Warn("Failed to retransmit",
				zap.Uint16("messageID", e.MessageID),
				zap.Stringer("addr", e.Addr),
				zap.Error(err))
		}
	}

	for _, e := range expired {
		s.log.Warn("Retries exhausted, dropping pending message",
			zap.Uint16("messageID", e.MessageID),
			zap.Binary("token", e.Token),
			zap.Stringer("addr", e.Addr),
			zap.Int("retries", e.Retries))

		if s.onExpire != nil {
			s.onExpire(e)
		}
	}
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.table.Len()
}

// Snapshot copies every pending entry.
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.table.Entries()
}

// Close stops the timer and drops every pending entry.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}

	s.table.slots.Reset()

	return nil
}

// rearm points the timer at the earliest deadline. Must be called with s.mu
// held.
func (s *Scheduler) rearm(now time.Time) {
	next, ok := s.table.NextDeadline()
	if !ok || s.closed {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}

	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}

	if s.timer == nil {
		s.timer = s.clock.AfterFunc(wait, s.Tick)
		return
	}

	s.timer.Reset(wait)
}
