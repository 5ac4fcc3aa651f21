package server

import (
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/luma/coapnode/observe"
	"github.com/luma/coapnode/protocol"
	"github.com/luma/coapnode/resource"
)

const (
	observeRegister   = 0
	observeDeregister = 1
)

func status(code protocol.Code) *protocol.Message {
	return &protocol.Message{Code: code}
}

// dispatch routes a request by its exact path and method, returning the
// response without type, message ID or token.
func (s *Server) dispatch(req *protocol.Message, from net.Addr) *protocol.Message {
	r, ok := s.dir.Lookup(req.Path())
	if !ok {
		s.log.Debug("Resource not found",
			zap.String("path", req.PathString()),
			zap.Stringer("from", from))
		return status(protocol.NotFound)
	}

	switch {
	case req.Code == protocol.GET && r.Capabilities.Has(resource.CanGet):
		return s.get(r, req, from)

	case req.Code == protocol.PUT && r.Capabilities.Has(resource.CanPut):
		return s.put(r, req)

	default:
		return status(protocol.MethodNotAllowed)
	}
}

func (s *Server) get(r *resource.Resource, req *protocol.Message, from net.Addr) *protocol.Message {
	if r.Kind == resource.Discovery {
		res := &protocol.Message{Code: protocol.Content, Payload: s.dir.LinkFormat()}
		res.SetContentFormat(protocol.LinkFormat)
		return res
	}

	format := protocol.TextPlain
	if accept, ok := req.Accept(); ok {
		if !resource.Acceptable(accept) {
			return status(protocol.NotAcceptable)
		}
		format = accept
	}

	// Until the first sample arrives a sensor reads as zero
	value, _ := s.dir.Value(r.Name)

	payload, err := resource.Encode(r.Kind, value, format)
	if err != nil {
		s.log.Error("Failed to encode value",
			zap.String("resource", r.Name),
			zap.Error(err))
		return status(protocol.InternalServerError)
	}

	res := &protocol.Message{Code: protocol.Content, Payload: payload}
	res.SetContentFormat(format)

	seq, observing := req.Observe()

	switch {
	case observing && seq == observeRegister && r.Capabilities.Has(resource.CanObserve):
		if _, err := s.observers.Register(r.Name, from, req.Token, format); err != nil {
			if errors.Is(err, observe.ErrPoolExhausted) {
				s.log.Warn("Observer pool full, refusing registration",
					zap.String("resource", r.Name),
					zap.Stringer("from", from))
				return status(protocol.ServiceUnavailable)
			}

			return status(protocol.InternalServerError)
		}

		res.SetObserve(observeRegister)

	case r.Capabilities.Has(resource.CanObserve):
		// Observe=1, or a plain GET, ends any observation by this client
		if !observing || seq == observeDeregister {
			s.observers.Deregister(r.Name, from)
		}
	}

	return res
}

// put on the echo resource answers with the request's own payload, which is
// what discovery probes look for.
func (s *Server) put(r *resource.Resource, req *protocol.Message) *protocol.Message {
	if r.Kind != resource.Echo {
		return status(protocol.MethodNotAllowed)
	}

	res := &protocol.Message{
		Code:    protocol.Changed,
		Payload: append([]byte(nil), req.Payload...),
	}

	if cf, ok := req.ContentFormat(); ok {
		res.SetContentFormat(cf)
	}

	if len(res.Payload) == 0 {
		res.Payload = nil
	}

	return res
}
