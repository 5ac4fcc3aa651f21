package transport

import (
	"go.uber.org/zap"
)

const (
	DefaultPort  = 5683
	DefaultGroup = "ff02::fd"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, an ephemeral one if zero
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Group is the multicast group to join, none if empty
	Group string

	// Interface to join Group on, the system default if empty
	Interface string

	// HopLimit for outgoing multicast, left alone if zero
	HopLimit int

	// Trace will log every datagram. This is only useful in local debugging
	Trace bool

	Log *zap.Logger
}
