package protocol

import (
	"encoding/binary"
	"math/rand"
	"sync/atomic"
)

// IDGenerator hands out message IDs from a monotonically increasing 16 bit
// counter that wraps around.
type IDGenerator struct {
	next uint32
}

func NewIDGenerator(start uint16) *IDGenerator {
	return &IDGenerator{next: uint32(start)}
}

func (g *IDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.next, 1))
}

var messageIDs = NewIDGenerator(uint16(rand.Uint32()))

// NextMessageID returns the next process-wide message ID.
func NextMessageID() uint16 {
	return messageIDs.Next()
}

// NewToken returns a fresh MaxTokenLength byte token. Tokens only need to
// differ between outstanding requests, they are not secrets.
func NewToken() []byte {
	token := make([]byte, MaxTokenLength)
	binary.BigEndian.PutUint64(token, rand.Uint64())
	return token
}
