// Package pending tracks confirmable messages that are waiting for an
// acknowledgement and retransmits them with exponential backoff until they
// are acknowledged, reset or run out of retries.
package pending

import (
	"net"
	"time"

	"github.com/luma/coapnode/internal/arena"
)

var ErrPoolExhausted = arena.ErrPoolExhausted

// Entry is the bookkeeping for one in-flight confirmable message.
type Entry struct {
	MessageID uint16
	Token     []byte
	Addr      net.Addr

	// Data is the encoded message, resent verbatim
	Data []byte

	// Retries counts transmissions so far, the first send included
	Retries    int
	MaxRetries int

	// Timeout is the wait that ends at Deadline
	Timeout  time.Duration
	Deadline time.Time
}

// Table is a fixed-capacity set of pending entries. It is not safe for
// concurrent use, the Scheduler serialises access to it.
type Table struct {
	slots *arena.Arena[Entry]
}

func NewTable(capacity int) *Table {
	return &Table{slots: arena.New[Entry](capacity)}
}

func (t *Table) Insert(e Entry) (arena.Handle, error) {
	return t.slots.Alloc(e)
}

func (t *Table) Get(h arena.Handle) (Entry, bool) {
	e, ok := t.slots.Get(h)
	if !ok {
		return Entry{}, false
	}

	return *e, true
}

// Remove frees the entry with the given message ID.
func (t *Table) Remove(messageID uint16) (Entry, bool) {
	h, _, ok := t.slots.Find(func(e *Entry) bool {
		return e.MessageID == messageID
	})
	if !ok {
		return Entry{}, false
	}

	return t.slots.Free(h)
}

// NextDeadline returns the earliest deadline of every entry.
func (t *Table) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)

	t.slots.Each(func(_ arena.Handle, e *Entry) bool {
		if !found || e.Deadline.Before(next) {
			next = e.Deadline
			found = true
		}
		return true
	})

	return next, found
}

func (t *Table) Entries() []Entry {
	entries := make([]Entry, 0, t.slots.Len())
	t.slots.Each(func(_ arena.Handle, e *Entry) bool {
		entries = append(entries, *e)
		return true
	})

	return entries
}

func (t *Table) Len() int {
	return t.slots.Len()
}

func (t *Table) Cap() int {
	return t.slots.Cap()
}
