// Package discovery advertises the sensor node over mDNS so clients that
// cannot rely on the multicast echo probe can still find it.
package discovery

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luma/coapnode/resource"
)

const (
	ServiceType = "_coap._udp"
	Domain      = "local."

	// MaxInstanceNameLen is the DNS label limit
	MaxInstanceNameLen = 63
)

// RegisterFunc has the signature of zeroconf.Register.
type RegisterFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (*zeroconf.Server, error)

type Options struct {
	// Instance name, "coapnode-" and a random suffix if empty
	Instance string

	Port      int
	Interface string
	TTL       time.Duration

	// Register defaults to zeroconf.Register
	Register RegisterFunc

	Log *zap.Logger
}

type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server

	instance string
	port     int
	iface    string
	ttl      time.Duration
	register RegisterFunc
	log      *zap.Logger
}

func NewAdvertiser(options Options) *Advertiser {
	instance := options.Instance
	if instance == "" {
		instance = "coapnode-" + uuid.NewString()[:8]
	}

	if len(instance) > MaxInstanceNameLen {
		instance = instance[:MaxInstanceNameLen]
	}

	register := options.Register
	if register == nil {
		register = zeroconf.Register
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Advertiser{
		instance: instance,
		port:     options.Port,
		iface:    options.Interface,
		ttl:      options.TTL,
		register: register,
		log:      log,
	}
}

func (a *Advertiser) Instance() string {
	return a.instance
}

// Advertise publishes the node and the paths of its observable resources,
// replacing anything advertised before.
func (a *Advertiser) Advertise(dir *resource.Directory) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stop()

	var opts []zeroconf.ServerOption
	if a.ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.ttl.Seconds())))
	}

	txt := TXTRecords(dir)

	server, err := a.register(a.instance, ServiceType, Domain, a.port, txt, a.interfaces(), opts...)
	if err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceType, err)
	}

	a.server = server

	a.log.Info("Advertising over mDNS",
		zap.String("instance", a.instance),
		zap.String("service", ServiceType),
		zap.Int("port", a.port),
		zap.Strings("txt", txt))

	return nil
}

// Shutdown stops advertising.
func (a *Advertiser) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stop()

	return nil
}

func (a *Advertiser) stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// interfaces returns nil, meaning all interfaces, unless one was named.
func (a *Advertiser) interfaces() []net.Interface {
	if a.iface == "" {
		return nil
	}

	ifi, err := net.InterfaceByName(a.iface)
	if err != nil {
		a.log.Warn("Unknown interface, advertising on all of them",
			zap.String("interface", a.iface),
			zap.Error(err))
		return nil
	}

	return []net.Interface{*ifi}
}

// TXTRecords lists a path= record for every observable resource, sorted.
func TXTRecords(dir *resource.Directory) []string {
	var txt []string

	for _, r := range dir.Resources() {
		if r.Capabilities.Has(resource.CanObserve) {
			txt = append(txt, "path="+r.PathString())
		}
	}

	sort.Strings(txt)

	return txt
}
