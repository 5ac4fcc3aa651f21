package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const memoryQueueSize = 64

type datagram struct {
	data []byte
	from net.Addr
}

// FilterFunc decides whether a datagram on the in-memory network is
// delivered. Returning false drops it.
type FilterFunc func(data []byte, from, to net.Addr) bool

// Network is an in-memory datagram network. Endpoints are addressed with
// ordinary *net.UDPAddr values and multicast groups are plain addresses that
// endpoints join.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryConn
	groups    map[string][]*MemoryConn
	filter    FilterFunc
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*MemoryConn),
		groups:    make(map[string][]*MemoryConn),
	}
}

// Listen opens an endpoint at addr, which must be a host:port pair.
func (n *Network) Listen(addr string) (*MemoryConn, error) {
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[udp.String()]; ok {
		return nil, fmt.Errorf("listen on %s: address in use", udp)
	}

	c := &MemoryConn{
		network: n,
		addr:    udp,
		queue:   make(chan datagram, memoryQueueSize),
		closed:  make(chan struct{}),
	}

	n.endpoints[udp.String()] = c

	return c, nil
}

// Join subscribes c to datagrams sent to group.
func (n *Network) Join(group string, c *MemoryConn) error {
	udp, err := net.ResolveUDPAddr("udp", group)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.groups[udp.String()] = append(n.groups[udp.String()], c)

	return nil
}

func (n *Network) SetFilter(filter FilterFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.filter = filter
}

func (n *Network) deliver(data []byte, from, to net.Addr) {
	n.mu.Lock()

	var targets []*MemoryConn
	if c, ok := n.endpoints[to.String()]; ok {
		targets = append(targets, c)
	}

	for _, c := range n.groups[to.String()] {
		if c.addr.String() != from.String() {
			targets = append(targets, c)
		}
	}

	filter := n.filter
	n.mu.Unlock()

	if filter != nil && !filter(data, from, to) {
		return
	}

	for _, c := range targets {
		c.enqueue(datagram{data: append([]byte(nil), data...), from: from})
	}
}

func (n *Network) remove(c *MemoryConn) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.endpoints, c.addr.String())

	for group, members := range n.groups {
		kept := members[:0]
		for _, m := range members {
			if m != c {
				kept = append(kept, m)
			}
		}
		n.groups[group] = kept
	}
}

// MemoryConn is one endpoint on a Network. Datagrams that arrive while its
// queue is full are dropped, like a real socket buffer would.
type MemoryConn struct {
	network *Network
	addr    *net.UDPAddr

	queue chan datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *MemoryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.queue:
		return copy(p, d.data), d.from, nil

	case <-c.closed:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Addr: c.addr, Err: net.ErrClosed}
	}
}

func (c *MemoryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if !c.isRunning() {
		return 0, &net.OpError{Op: "write", Net: "udp", Addr: addr, Err: net.ErrClosed}
	}

	c.network.deliver(p, c.addr, addr)

	return len(p), nil
}

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(c)
	})

	return nil
}

func (c *MemoryConn) LocalAddr() net.Addr {
	return c.addr
}

func (c *MemoryConn) SetDeadline(t time.Time) error      { return nil }
func (c *MemoryConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *MemoryConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *MemoryConn) enqueue(d datagram) {
	if !c.isRunning() {
		return
	}

	select {
	case c.queue <- d:
	default:
	}
}

// isRunning returns true if Close has not been called
func (c *MemoryConn) isRunning() bool {
	select {
	case <-c.closed:
		return false

	default:
		return true
	}
}

var _ net.PacketConn = (*MemoryConn)(nil)
