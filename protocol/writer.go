package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrMessageTooLarge = errors.New("Encoded message exceeds the maximum message size")
	ErrInvalidType     = errors.New("Message type is not one of CON, NON, ACK or RST")
)

const maxOptionExtended = 0xffff + 269

// Encode serialises m. The output is canonical: options are written in
// ascending option number, options with the same number keep their relative
// order, and a payload marker is only written for a non-empty payload.
//
// Encode fails with ErrMessageTooLarge rather than truncating.
func Encode(m *Message) ([]byte, error) {
	if m.Type > Reset {
		return nil, ErrInvalidType
	}

	if len(m.Token) > MaxTokenLength {
		return nil, ErrInvalidTokenLength
	}

	if m.Code == Empty && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return nil, ErrInvalidEmpty
	}

	options := make([]Option, len(m.Options))
	copy(options, m.Options)
	sort.SliceStable(options, func(i, j int) bool {
		return options[i].ID < options[j].ID
	})

	buf := make([]byte, headerLength, MaxMessageSize)
	buf[0] = Version<<6 | byte(m.Type)<<4 | byte(len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:4], m.MessageID)
	buf = append(buf, m.Token...)

	var prev OptionID
	for _, o := range options {
		if len(o.Value) > maxOptionExtended {
			return nil, fmt.Errorf("Option %d is %d bytes long: %w", o.ID, len(o.Value), ErrInvalidOption)
		}

		delta := uint32(o.ID - prev)
		length := uint32(len(o.Value))

		dn, dext := extendedNibble(delta)
		ln, lext := extendedNibble(length)

		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)

		prev = o.ID
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}

	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("Message is %d bytes, limit is %d: %w",
			len(buf), MaxMessageSize, ErrMessageTooLarge)
	}

	return buf, nil
}

func extendedNibble(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil

	case v < 269:
		return 13, []byte{byte(v - 13)}

	default:
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(v-269))
		return 14, ext
	}
}
