// Package observe keeps the fixed-capacity registry of clients observing
// the node's resources.
package observe

import (
	"bytes"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/coapnode/internal/arena"
	"github.com/luma/coapnode/protocol"
)

const DefaultCapacity = 10

var ErrPoolExhausted = arena.ErrPoolExhausted

type Observer struct {
	Resource string
	Addr     net.Addr
	Token    []byte

	// Format is the content format the client asked for when registering
	Format protocol.MediaType

	// Age is the Observe sequence number of the last notification sent,
	// zero until the first notification
	Age uint32
}

// Registration is a copy of an Observer along with the handle of its slot.
type Registration struct {
	Handle arena.Handle
	Observer
}

type Registry struct {
	mu    sync.Mutex
	slots *arena.Arena[Observer]

	log *zap.Logger
}

func NewRegistry(capacity int, log *zap.Logger) *Registry {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Registry{
		slots: arena.New[Observer](capacity),
		log:   log,
	}
}

// Register adds an observer of resource. Registering again with the same
// address and token refreshes the existing observer instead of taking a
// second slot.
func (r *Registry) Register(resource string, addr net.Addr, token []byte, format protocol.MediaType) (arena.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, o, ok := r.slots.Find(func(o *Observer) bool {
		return o.Resource == resource && SameAddr(o.Addr, addr) && bytes.Equal(o.Token, token)
	}); ok {
		o.Format = format
		return h, nil
	}

	h, err := r.slots.Alloc(Observer{
		Resource: resource,
		Addr:     addr,
		Token:    append([]byte(nil), token...),
		Format:   format,
	})
	if err != nil {
		return arena.Handle{}, err
	}

	r.log.Info("Registered observer",
		zap.String("resource", resource),
		zap.Stringer("addr", addr),
		zap.Binary("token", token),
		zap.Int("observers", r.slots.Len()))

	return h, nil
}

// Deregister removes every observer of resource at addr.
func (r *Registry) Deregister(resource string, addr net.Addr) int {
	return r.removeWhere("deregistered", func(o *Observer) bool {
		return o.Resource == resource && SameAddr(o.Addr, addr)
	})
}

// RemoveByToken removes the observer that notifications to addr with token
// belong to.
func (r *Registry) RemoveByToken(addr net.Addr, token []byte) bool {
	return r.removeWhere("notification expired", func(o *Observer) bool {
		return SameAddr(o.Addr, addr) && bytes.Equal(o.Token, token)
	}) > 0
}

// RemoveByAddr removes every observer at addr.
func (r *Registry) RemoveByAddr(addr net.Addr) int {
	return r.removeWhere("client reset", func(o *Observer) bool {
		return SameAddr(o.Addr, addr)
	})
}

func (r *Registry) Remove(h arena.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.slots.Free(h)
	return ok
}

// Observers copies the observers of resource.
func (r *Registry) Observers(resource string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var regs []Registration
	r.slots.Each(func(h arena.Handle, o *Observer) bool {
		if o.Resource == resource {
			regs = append(regs, Registration{Handle: h, Observer: *o})
		}
		return true
	})

	return regs
}

// NextAge advances the observer's sequence number and returns it. It returns
// false if the observer has been removed in the meantime.
func (r *Registry) NextAge(h arena.Handle) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.slots.Get(h)
	if !ok {
		return 0, false
	}

	o.Age = NextSequence(o.Age)

	return o.Age, true
}

func (r *Registry) Snapshot() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := make([]Registration, 0, r.slots.Len())
	r.slots.Each(func(h arena.Handle, o *Observer) bool {
		regs = append(regs, Registration{Handle: h, Observer: *o})
		return true
	})

	return regs
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.slots.Len()
}

func (r *Registry) removeWhere(reason string, match func(o *Observer) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	r.slots.Each(func(h arena.Handle, o *Observer) bool {
		if !match(o) {
			return true
		}

		r.log.Info("Removing observer",
			zap.String("reason", reason),
			zap.String("resource", o.Resource),
			zap.Stringer("addr", o.Addr))

		r.slots.Free(h)
		removed++
		return true
	})

	return removed
}

// NextSequence returns the Observe value that follows age. 0 and 1 are only
// used by registration replies, so notifications run from 2 up to
// protocol.MaxObserve and then wrap back to 2.
func NextSequence(age uint32) uint32 {
	next := age + 1
	if next < 2 || next > protocol.MaxObserve {
		return 2
	}

	return next
}

// SameAddr compares two addresses by network and string form.
func SameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Network() == b.Network() && a.String() == b.String()
}
