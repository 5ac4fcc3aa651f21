// Package client is the thermostat's side of the protocol. It finds a sensor
// node by multicast, observes its readings and matches every reply that
// arrives to the request it answers.
package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/coapnode/internal/arena"
	"github.com/luma/coapnode/internal/clock"
	"github.com/luma/coapnode/pending"
	"github.com/luma/coapnode/protocol"
	"github.com/luma/coapnode/resource"
	"github.com/luma/coapnode/transport"
)

const (
	DefaultCapacity      = 10
	DefaultProbeInterval = 5 * time.Second
)

var (
	ErrNotDiscovered = errors.New("No server discovered yet")
	ErrNoGroup       = errors.New("No multicast group to probe")
	ErrTimeout       = errors.New("Request timed out, retries exhausted")
	ErrRequestFailed = errors.New("Request failed")
	ErrUnknownWaiter = errors.New("Unknown waiter")
)

type Options struct {
	Conn net.PacketConn

	// Group is where discovery probes are sent
	Group net.Addr

	// Server skips discovery when set
	Server net.Addr

	WaiterCapacity  int
	PendingCapacity int

	AckTimeout time.Duration
	MaxRetries int

	// ProbeInterval is the wait between discovery probes
	ProbeInterval time.Duration

	Clock clock.Clock
	IDs   *protocol.IDGenerator

	// OnValueChanged receives every reading an observation delivers
	OnValueChanged func(name string, value float64)

	Log *zap.Logger
}

type Conn struct {
	conn  net.PacketConn
	group net.Addr

	mu      sync.Mutex
	waiters *arena.Arena[Waiter]
	server  net.Addr

	pending *pending.Scheduler

	clock         clock.Clock
	ids           *protocol.IDGenerator
	maxRetries    int
	probeInterval time.Duration

	onValueChanged func(name string, value float64)

	log *zap.Logger
}

func New(options Options) *Conn {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := options.Clock
	if c == nil {
		c = clock.System{}
	}

	capacity := options.WaiterCapacity
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	maxRetries := options.MaxRetries
	if maxRetries < 1 {
		maxRetries = pending.DefaultMaxRetries
	}

	probeInterval := options.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}

	conn := &Conn{
		conn:           options.Conn,
		group:          options.Group,
		server:         options.Server,
		waiters:        arena.New[Waiter](capacity),
		clock:          c,
		ids:            options.IDs,
		maxRetries:     maxRetries,
		probeInterval:  probeInterval,
		onValueChanged: options.OnValueChanged,
		log:            log,
	}

	conn.pending = pending.NewScheduler(pending.Options{
		Capacity:   options.PendingCapacity,
		AckTimeout: options.AckTimeout,
		Clock:      c,
		Send:       conn.write,
		OnExpire:   conn.expire,
		Log:        log.Named("pending"),
	})

	return conn
}

// Serve runs the receive loop until ctx is cancelled.
func (c *Conn) Serve(ctx context.Context) error {
	return transport.Serve(ctx, c.conn, c.HandleDatagram, c.log.Named("receive"))
}

// Close drops every waiter and pending request. It does not close the socket.
func (c *Conn) Close() error {
	err := c.pending.Close()

	c.mu.Lock()
	c.waiters.Reset()
	c.mu.Unlock()

	return err
}

// Server returns the discovered server.
func (c *Conn) Server() (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil {
		return nil, ErrNotDiscovered
	}

	return c.server, nil
}

func (c *Conn) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.waiters.Len()
}

func (c *Conn) Pending() []pending.Entry {
	return c.pending.Snapshot()
}

// RegisterWaiter arranges for handler to be called with replies carrying
// token, or with messageID when token is empty.
func (c *Conn) RegisterWaiter(token []byte, messageID uint16, handler ReplyHandler, userData interface{}, keepAlive bool) (arena.Handle, error) {
	return c.register(Waiter{
		Token:     append([]byte(nil), token...),
		MessageID: messageID,
		Handler:   handler,
		UserData:  userData,
		KeepAlive: keepAlive,
	})
}

func (c *Conn) register(w Waiter) (arena.Handle, error) {
	if len(w.Token) == 0 {
		w.Token = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.waiters.Alloc(w)
}

// Cancel frees a waiter. It returns false if it was already gone.
func (c *Conn) Cancel(h arena.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.waiters.Free(h)
	return ok
}

// HandleDatagram matches one datagram to its waiter.
func (c *Conn) HandleDatagram(data []byte, from net.Addr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn("Dropping malformed datagram",
			zap.Stringer("from", from),
			zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.Acknowledgement, protocol.Reset:
		c.pending.Acknowledge(msg.MessageID)

		if msg.Code == protocol.Empty {
			if msg.Type == protocol.Reset {
				c.reset(msg, from)
			}
			return
		}

	case protocol.Confirmable:
		if msg.Code == protocol.Empty {
			c.sendEmpty(protocol.Reset, msg.MessageID, from)
			return
		}
	}

	handler, userData, accepted, ok := c.match(msg)
	if !ok {
		if msg.Type == protocol.Confirmable {
			// nobody wants this, most likely a notification for an
			// observation we have forgotten, so tell the server to stop
			c.log.Debug("Rejecting unmatched message",
				zap.Stringer("from", from),
				zap.Stringer("message", msg))
			c.sendEmpty(protocol.Reset, msg.MessageID, from)
		}
		return
	}

	if msg.Type == protocol.Confirmable {
		c.sendEmpty(protocol.Acknowledgement, msg.MessageID, from)
	}

	if !accepted {
		c.log.Debug("Dropping duplicate or stale reply",
			zap.Stringer("from", from),
			zap.Stringer("message", msg))
		return
	}

	if handler != nil {
		handler(msg, from, userData)
	}
}

// match finds the waiter for msg, freeing it if it is done.
func (c *Conn) match(msg *protocol.Message) (ReplyHandler, interface{}, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, w, ok := c.waiters.Find(func(w *Waiter) bool {
		return w.matches(msg)
	})
	if !ok {
		return nil, nil, false, false
	}

	if !w.accept(msg) {
		return nil, nil, false, true
	}

	handler, userData := w.Handler, w.UserData

	if !w.KeepAlive {
		c.waiters.Free(h)
	}

	return handler, userData, true, true
}

// reset frees the waiter of the request a server rejected.
func (c *Conn) reset(msg *protocol.Message, from net.Addr) {
	c.mu.Lock()
	h, w, ok := c.waiters.Find(func(w *Waiter) bool {
		return w.MessageID == msg.MessageID
	})

	var onCancel func(error)
	if ok {
		onCancel = w.onCancel
		c.waiters.Free(h)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.log.Info("Request reset by server",
		zap.Uint16("messageID", msg.MessageID),
		zap.Stringer("from", from))

	if onCancel != nil {
		onCancel(fmt.Errorf("%w: reset by %s", ErrRequestFailed, from))
	}
}

// expire cancels the waiter of a request that was never acknowledged.
func (c *Conn) expire(e pending.Entry) {
	c.mu.Lock()
	h, w, ok := c.waiters.Find(func(w *Waiter) bool {
		return bytes.Equal(w.Token, e.Token) && w.MessageID == e.MessageID
	})

	var onCancel func(error)
	if ok {
		onCancel = w.onCancel
		c.waiters.Free(h)
	}
	c.mu.Unlock()

	if onCancel != nil {
		onCancel(ErrTimeout)
	}
}

// request registers a waiter for msg and sends it. Confirmable requests are
// retransmitted until acknowledged.
func (c *Conn) request(msg *protocol.Message, to net.Addr, w Waiter) (arena.Handle, error) {
	w.Token = msg.Token
	w.MessageID = msg.MessageID

	data, err := protocol.Encode(msg)
	if err != nil {
		return arena.Handle{}, err
	}

	h, err := c.register(w)
	if err != nil {
		return arena.Handle{}, err
	}

	if msg.Type == protocol.Confirmable {
		if _, err := c.pending.Insert(data, msg.MessageID, msg.Token, to, c.maxRetries); err != nil {
			c.Cancel(h)
			return arena.Handle{}, err
		}
	}

	if err := c.write(data, to); err != nil {
		c.pending.Acknowledge(msg.MessageID)
		c.Cancel(h)
		return arena.Handle{}, err
	}

	c.log.Debug("Sent request",
		zap.Stringer("message", msg),
		zap.Stringer("to", to))

	return h, nil
}

func (c *Conn) sendEmpty(typ protocol.Type, messageID uint16, to net.Addr) {
	data, err := protocol.Encode(&protocol.Message{Type: typ, Code: protocol.Empty, MessageID: messageID})
	if err != nil {
		c.log.Error("Failed to encode empty message", zap.Error(err))
		return
	}

	if err := c.write(data, to); err != nil {
		c.log.Warn("Failed to send empty message",
			zap.Stringer("type", typ),
			zap.Stringer("to", to),
			zap.Error(err))
	}
}

func (c *Conn) write(data []byte, to net.Addr) error {
	if _, err := c.conn.WriteTo(data, to); err != nil {
		return fmt.Errorf("write to %s: %w", to, err)
	}

	return nil
}

func (c *Conn) nextMessageID() uint16 {
	if c.ids != nil {
		return c.ids.Next()
	}

	return protocol.NextMessageID()
}

// after returns a channel that is closed once d has passed on the
// connection's clock.
func (c *Conn) after(d time.Duration) (<-chan struct{}, clock.Timer) {
	ch := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(ch) })

	return ch, t
}

func newProbePayload() []byte {
	return []byte(hex.EncodeToString(protocol.NewToken()))
}

func sensorPath(name string) []string {
	return []string{"sensors", name}
}

func decodeValue(msg *protocol.Message) (float64, error) {
	format, ok := msg.ContentFormat()
	if !ok {
		format = protocol.TextPlain
	}

	return resource.Decode(msg.Payload, format)
}
