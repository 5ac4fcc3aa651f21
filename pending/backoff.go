package pending

import "time"

// MaxTimeout caps the wait between two retransmissions
const MaxTimeout = 60 * time.Second

// NextTimeout doubles the previous timeout, up to MaxTimeout.
func NextTimeout(previous time.Duration) time.Duration {
	if previous <= 0 {
		return DefaultAckTimeout
	}

	next := previous * 2
	if next > MaxTimeout {
		return MaxTimeout
	}

	return next
}
