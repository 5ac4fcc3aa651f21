// Package server is the sensor node's side of the protocol. It answers
// requests for the node's resources, keeps track of observers and pushes
// confirmable notifications to them when a reading changes enough.
package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/luma/coapnode/internal/clock"
	"github.com/luma/coapnode/observe"
	"github.com/luma/coapnode/pending"
	"github.com/luma/coapnode/protocol"
	"github.com/luma/coapnode/resource"
	"github.com/luma/coapnode/transport"
)

type Options struct {
	// Conn is the socket requests arrive on and replies leave from
	Conn net.PacketConn

	// Directory defaults to resource.DefaultDirectory()
	Directory *resource.Directory

	// ObserverCapacity and PendingCapacity size the fixed pools
	ObserverCapacity int
	PendingCapacity  int

	AckTimeout time.Duration
	MaxRetries int

	Clock clock.Clock

	// IDs defaults to the process-wide message ID generator
	IDs *protocol.IDGenerator

	Log *zap.Logger
}

type Server struct {
	conn net.PacketConn

	dir       *resource.Directory
	observers *observe.Registry
	pending   *pending.Scheduler

	ids        *protocol.IDGenerator
	maxRetries int

	log *zap.Logger
}

func New(options Options) *Server {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	dir := options.Directory
	if dir == nil {
		dir = resource.DefaultDirectory()
	}

	maxRetries := options.MaxRetries
	if maxRetries < 1 {
		maxRetries = pending.DefaultMaxRetries
	}

	s := &Server{
		conn:       options.Conn,
		dir:        dir,
		observers:  observe.NewRegistry(options.ObserverCapacity, log.Named("observers")),
		ids:        options.IDs,
		maxRetries: maxRetries,
		log:        log,
	}

	s.pending = pending.NewScheduler(pending.Options{
		Capacity:   options.PendingCapacity,
		AckTimeout: options.AckTimeout,
		Clock:      options.Clock,
		Send:       s.write,
		OnExpire:   s.expire,
		Log:        log.Named("pending"),
	})

	return s
}

// Serve runs the receive loop until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("Serving",
		zap.Stringer("addr", s.conn.LocalAddr()),
		zap.Int("resources", len(s.dir.Resources())))

	return transport.Serve(ctx, s.conn, s.HandleDatagram, s.log.Named("receive"))
}

// Close drops every pending notification. It does not close the socket.
func (s *Server) Close() error {
	return s.pending.Close()
}

func (s *Server) Directory() *resource.Directory {
	return s.dir
}

func (s *Server) Observers() []observe.Registration {
	return s.observers.Snapshot()
}

func (s *Server) Pending() []pending.Entry {
	return s.pending.Snapshot()
}

// HandleDatagram decodes one datagram and acts on it. Malformed datagrams
// are logged and dropped without a reply.
func (s *Server) HandleDatagram(data []byte, from net.Addr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("Dropping malformed datagram",
			zap.Stringer("from", from),
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.Acknowledgement, protocol.Reset:
		s.handleReply(msg, from)
		return
	}

	if msg.Code == protocol.Empty {
		// an empty CON is a ping, RST is the expected pong
		if msg.Type == protocol.Confirmable {
			s.send(&protocol.Message{
				Type:      protocol.Reset,
				Code:      protocol.Empty,
				MessageID: msg.MessageID,
			}, from)
		}
		return
	}

	if !msg.Code.IsRequest() {
		s.log.Debug("Ignoring unexpected response",
			zap.Stringer("from", from),
			zap.Stringer("message", msg))

		if msg.Type == protocol.Confirmable {
			s.send(&protocol.Message{
				Type:      protocol.Reset,
				Code:      protocol.Empty,
				MessageID: msg.MessageID,
			}, from)
		}
		return
	}

	s.reply(msg, s.dispatch(msg, from), from)
}

// handleReply settles a pending notification. A reset also tells us the
// client no longer wants the notifications it was getting.
func (s *Server) handleReply(msg *protocol.Message, from net.Addr) {
	entry, ok := s.pending.Acknowledge(msg.MessageID)

	if msg.Type != protocol.Reset {
		if !ok {
			s.log.Debug("Ignoring duplicate or late acknowledgement",
				zap.Uint16("messageID", msg.MessageID),
				zap.Stringer("from", from))
		}
		return
	}

	if ok {
		s.observers.RemoveByToken(entry.Addr, entry.Token)
		return
	}

	s.observers.RemoveByAddr(from)
}

// reply fills in the fields a response takes from its request and sends it.
// Confirmable requests get a piggy-backed acknowledgement. A response that
// cannot be encoded is replaced by a bare 5.00 so the request is still
// answered.
func (s *Server) reply(req, res *protocol.Message, to net.Addr) {
	res.Token = req.Token

	if req.Type == protocol.Confirmable {
		res.Type = protocol.Acknowledgement
		res.MessageID = req.MessageID
	} else {
		res.Type = protocol.NonConfirmable
		res.MessageID = s.nextMessageID()
	}

	data, err := protocol.Encode(res)
	if err != nil {
		s.log.Error("Failed to encode response, answering 5.00 instead",
			zap.Stringer("message", res),
			zap.Error(err))

		data, err = protocol.Encode(&protocol.Message{
			Type:      res.Type,
			Code:      protocol.InternalServerError,
			MessageID: res.MessageID,
			Token:     res.Token,
		})
		if err != nil {
			s.log.Error("Failed to encode error response", zap.Error(err))
			return
		}
	}

	if err := s.write(data, to); err != nil {
		s.log.Warn("Failed to send response",
			zap.Stringer("message", res),
			zap.Stringer("to", to),
			zap.Error(err))
	}
}

func (s *Server) send(msg *protocol.Message, to net.Addr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("Failed to encode message",
			zap.Stringer("message", msg),
			zap.Error(err))
		return
	}

	if err := s.write(data, to); err != nil {
		s.log.Warn("Failed to send message",
			zap.Stringer("message", msg),
			zap.Stringer("to", to),
			zap.Error(err))
	}
}

func (s *Server) write(data []byte, to net.Addr) error {
	if _, err := s.conn.WriteTo(data, to); err != nil {
		return fmt.Errorf("write to %s: %w", to, err)
	}

	return nil
}

// expire runs once a notification has gone unacknowledged through every
// retry. The client is assumed gone.
func (s *Server) expire(e pending.Entry) {
	s.observers.RemoveByToken(e.Addr, e.Token)
}

func (s *Server) nextMessageID() uint16 {
	if s.ids != nil {
		return s.ids.Next()
	}

	return protocol.NextMessageID()
}
