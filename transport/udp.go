// Package transport carries datagrams between the protocol engines and the
// network.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv6"
)

// MaxConsecutiveReadErrors is how many read failures in a row Serve
// tolerates before giving up.
const MaxConsecutiveReadErrors = 10

// readBufferSize leaves room for oversized datagrams so they can be
// rejected by the decoder instead of being silently truncated.
const readBufferSize = 1500

var (
	ErrTooManyReadErrors = errors.New("Too many consecutive read errors")
	ErrInvalidGroup      = errors.New("Invalid multicast group")
)

// Handler is called with every datagram Serve reads. data is owned by the
// handler.
type Handler func(data []byte, from net.Addr)

// UDP is a datagram socket that has optionally joined a multicast group.
type UDP struct {
	net.PacketConn

	group *net.UDPAddr
	p6    *ipv6.PacketConn

	closeOnce sync.Once
	closeErr  error

	trace bool
	log   *zap.Logger
}

func Listen(options Options) (*UDP, error) {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	// port 0 picks an ephemeral port
	addr := net.JoinHostPort(options.Host, strconv.Itoa(options.Port))

	var (
		conn net.PacketConn
		err  error
	)

	if options.Reuseport {
		conn, err = reuseport.ListenPacket("udp", addr)
	} else {
		conn, err = net.ListenPacket("udp", addr)
	}

	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	u := &UDP{
		PacketConn: conn,
		trace:      options.Trace,
		log:        log,
	}

	if options.Group != "" {
		if err := u.join(options); err != nil {
			return nil, multierr.Append(err, conn.Close())
		}
	}

	log.Info("Listening",
		zap.Stringer("addr", conn.LocalAddr()),
		zap.String("group", options.Group),
		zap.Bool("reuseport", options.Reuseport))

	return u, nil
}

func (u *UDP) join(options Options) error {
	ip := net.ParseIP(options.Group)
	if ip == nil || !ip.IsMulticast() || ip.To4() != nil {
		return fmt.Errorf("%w: %q", ErrInvalidGroup, options.Group)
	}

	var ifi *net.Interface
	if options.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(options.Interface); err != nil {
			return fmt.Errorf("multicast interface %s: %w", options.Interface, err)
		}
	}

	u.group = &net.UDPAddr{IP: ip, Port: localPort(u.LocalAddr())}
	if ifi != nil {
		u.group.Zone = ifi.Name
	}

	u.p6 = ipv6.NewPacketConn(u.PacketConn)

	if err := u.p6.JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
		return fmt.Errorf("join group %s: %w", options.Group, err)
	}

	if options.HopLimit > 0 {
		if err := u.p6.SetMulticastHopLimit(options.HopLimit); err != nil {
			return fmt.Errorf("set multicast hop limit: %w", err)
		}
	}

	if ifi != nil {
		if err := u.p6.SetMulticastInterface(ifi); err != nil {
			return fmt.Errorf("set multicast interface: %w", err)
		}
	}

	return nil
}

// GroupAddr returns the joined multicast group, or nil.
func (u *UDP) GroupAddr() net.Addr {
	if u.group == nil {
		return nil
	}

	return u.group
}

func (u *UDP) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := u.PacketConn.ReadFrom(p)
	if err == nil && u.trace {
		u.log.Debug("Read datagram", zap.Stringer("from", addr), zap.Binary("data", p[:n]))
	}

	return n, addr, err
}

func (u *UDP) WriteTo(p []byte, addr net.Addr) (int, error) {
	if u.trace {
		u.log.Debug("Write datagram", zap.Stringer("to", addr), zap.Binary("data", p))
	}

	return u.PacketConn.WriteTo(p, addr)
}

// Close leaves the multicast group and closes the socket. It is safe to call
// more than once.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		if u.p6 != nil && u.group != nil {
			// leaving fails harmlessly if the interface went away
			_ = u.p6.LeaveGroup(nil, &net.UDPAddr{IP: u.group.IP})
		}

		u.closeErr = u.PacketConn.Close()
	})

	return u.closeErr
}

// Serve reads datagrams from conn and passes them to handle until ctx is
// cancelled or the socket is closed, in which case it returns nil. Reads
// that keep failing for any other reason end the loop with an error.
func Serve(ctx context.Context, conn net.PacketConn, handle Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled, closing socket")
			conn.Close()

		case <-done:
		}
	}()

	buf := make([]byte, readBufferSize)
	failures := 0

	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Info("Socket closed, receive loop exiting")
				return nil
			}

			failures++
			log.Warn("Failed to read datagram",
				zap.Int("consecutiveFailures", failures),
				zap.Error(err))

			if failures >= MaxConsecutiveReadErrors {
				return fmt.Errorf("%w: %v", ErrTooManyReadErrors, err)
			}

			continue
		}

		failures = 0

		data := make([]byte, n)
		copy(data, buf[:n])

		handle(data, from)
	}
}

func localPort(addr net.Addr) int {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.Port
	}

	return DefaultPort
}
