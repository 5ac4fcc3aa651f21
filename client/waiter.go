package client

import (
	"bytes"
	"net"

	"github.com/luma/coapnode/internal/arena"
	"github.com/luma/coapnode/protocol"
)

var ErrPoolExhausted = arena.ErrPoolExhausted

// ReplyHandler is called, without any lock held, for every reply a waiter
// accepts.
type ReplyHandler func(msg *protocol.Message, from net.Addr, userData interface{})

// Waiter is an outstanding request that replies are matched to, by token or
// failing that by message ID.
type Waiter struct {
	Token     []byte
	MessageID uint16
	Handler   ReplyHandler
	UserData  interface{}

	// KeepAlive waiters stay registered until cancelled, which is what
	// observations need. Others are freed by their first reply.
	KeepAlive bool

	// LastObserve is the freshest Observe sequence seen so far
	LastObserve    uint32
	hasObserve     bool
	lastMessageID  uint16
	hasLastMessage bool

	path     []string
	onCancel func(err error)
}

// matches pairs msg with the waiter by token. Replies without a token fall
// back to the message ID.
func (w *Waiter) matches(msg *protocol.Message) bool {
	if len(msg.Token) > 0 {
		return bytes.Equal(w.Token, msg.Token)
	}

	return w.MessageID == msg.MessageID
}

// accept decides whether msg is news to the waiter and records it if so.
// Retransmissions of the last message and notifications older than the
// freshest one seen are refused.
func (w *Waiter) accept(msg *protocol.Message) bool {
	if w.hasLastMessage && w.lastMessageID == msg.MessageID {
		return false
	}

	seq, observing := msg.Observe()
	if observing && w.hasObserve && !fresher(w.LastObserve, seq) {
		return false
	}

	w.lastMessageID = msg.MessageID
	w.hasLastMessage = true

	if observing {
		w.LastObserve = seq
		w.hasObserve = true
	}

	return true
}

// fresher orders Observe sequence numbers within the 24 bit serial number
// space, so a notification with a wrapped sequence still counts as newer.
func fresher(previous, next uint32) bool {
	const half = 1 << 23

	return (previous < next && next-previous < half) ||
		(previous > next && previous-next > half)
}
