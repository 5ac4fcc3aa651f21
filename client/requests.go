package client

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/luma/coapnode/internal/arena"
	"github.com/luma/coapnode/protocol"
)

// Discover probes the multicast group with a PUT to /echo until a server
// echoes the probe back, and remembers that server. Probes are confirmable
// so servers answer with a piggy-backed ACK, but they are not retransmitted
// by the pending scheduler: every round sends a fresh probe instead.
func (c *Conn) Discover(ctx context.Context) (net.Addr, error) {
	if c.group == nil {
		return nil, ErrNoGroup
	}

	token := protocol.NewToken()
	payload := newProbePayload()
	found := make(chan net.Addr, 1)

	h, err := c.RegisterWaiter(token, 0, func(msg *protocol.Message, from net.Addr, _ interface{}) {
		if msg.Code != protocol.Changed || !bytes.Equal(msg.Payload, payload) {
			return
		}

		select {
		case found <- from:
		default:
		}
	}, nil, true)
	if err != nil {
		return nil, err
	}
	defer c.Cancel(h)

	for attempt := 1; ; attempt++ {
		probe := &protocol.Message{
			Type:      protocol.Confirmable,
			Code:      protocol.PUT,
			MessageID: c.nextMessageID(),
			Token:     token,
			Payload:   payload,
		}
		probe.SetPath("echo")

		data, err := protocol.Encode(probe)
		if err != nil {
			return nil, err
		}

		c.log.Debug("Probing for a server",
			zap.Stringer("group", c.group),
			zap.Int("attempt", attempt))

		if err := c.write(data, c.group); err != nil {
			c.log.Warn("Failed to send probe", zap.Error(err))
		}

		retry, timer := c.after(c.probeInterval)

		select {
		case from := <-found:
			timer.Stop()

			c.mu.Lock()
			c.server = from
			c.mu.Unlock()

			c.log.Info("Discovered server", zap.Stringer("addr", from), zap.Int("attempts", attempt))
			return from, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case <-retry:
		}
	}
}

// Observe starts observing the named sensor on the discovered server. Every
// reading it delivers, the current one included, goes to OnValueChanged.
// It returns once the registration is sent; nothing is sent when ctx is
// already done.
func (c *Conn) Observe(ctx context.Context, name string) (arena.Handle, error) {
	if err := ctx.Err(); err != nil {
		return arena.Handle{}, err
	}

	server, err := c.Server()
	if err != nil {
		return arena.Handle{}, err
	}

	msg := &protocol.Message{
		Type:      protocol.Confirmable,
		Code:      protocol.GET,
		MessageID: c.nextMessageID(),
		Token:     protocol.NewToken(),
	}
	msg.SetPath(sensorPath(name)...)
	msg.SetObserve(0)

	log := c.log.With(zap.String("resource", name))

	handler := func(reply *protocol.Message, from net.Addr, _ interface{}) {
		if reply.Code != protocol.Content {
			log.Warn("Observation refused", zap.Stringer("code", reply.Code))
			return
		}

		value, err := decodeValue(reply)
		if err != nil {
			log.Warn("Ignoring unreadable notification", zap.Error(err))
			return
		}

		if c.onValueChanged != nil {
			c.onValueChanged(name, value)
		}
	}

	h, err := c.request(msg, server, Waiter{
		Handler:   handler,
		UserData:  name,
		KeepAlive: true,
		path:      msg.Path(),
	})
	if err != nil {
		return arena.Handle{}, fmt.Errorf("observe %s: %w", name, err)
	}

	log.Info("Observing", zap.Stringer("server", server))

	return h, nil
}

// Unobserve asks the server to stop an observation and forgets it. When ctx
// is already done the observation is left untouched.
func (c *Conn) Unobserve(ctx context.Context, h arena.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	w, ok := c.waiters.Get(h)
	var (
		token []byte
		path  []string
	)
	if ok {
		token, path = w.Token, w.path
		c.waiters.Free(h)
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownWaiter
	}

	server, err := c.Server()
	if err != nil {
		return err
	}

	msg := &protocol.Message{
		Type:      protocol.Confirmable,
		Code:      protocol.GET,
		MessageID: c.nextMessageID(),
		Token:     token,
	}
	msg.SetPath(path...)
	msg.SetObserve(1)

	if _, err := c.request(msg, server, Waiter{}); err != nil {
		return fmt.Errorf("unobserve %s: %w", msg.PathString(), err)
	}

	return nil
}

// Get reads the named sensor once.
func (c *Conn) Get(ctx context.Context, name string) (float64, error) {
	server, err := c.Server()
	if err != nil {
		return 0, err
	}

	type result struct {
		value float64
		err   error
	}

	results := make(chan result, 1)
	deliver := func(r result) {
		select {
		case results <- r:
		default:
		}
	}

	msg := &protocol.Message{
		Type:      protocol.Confirmable,
		Code:      protocol.GET,
		MessageID: c.nextMessageID(),
		Token:     protocol.NewToken(),
	}
	msg.SetPath(sensorPath(name)...)

	h, err := c.request(msg, server, Waiter{
		Handler: func(reply *protocol.Message, from net.Addr, _ interface{}) {
			if reply.Code != protocol.Content {
				deliver(result{err: fmt.Errorf("%w: %s", ErrRequestFailed, reply.Code)})
				return
			}

			value, err := decodeValue(reply)
			deliver(result{value: value, err: err})
		},
		onCancel: func(err error) {
			deliver(result{err: err})
		},
	})
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", name, err)
	}

	select {
	case r := <-results:
		return r.value, r.err

	case <-ctx.Done():
		c.Cancel(h)
		c.pending.Acknowledge(msg.MessageID)
		return 0, ctx.Err()
	}
}
