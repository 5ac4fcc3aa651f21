package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrMessageTooShort    = errors.New("Message is malformed, it is shorter than the fixed header")
	ErrInvalidVersion     = errors.New("Message has an unsupported protocol version")
	ErrInvalidTokenLength = errors.New("Message token is longer than 8 bytes")
	ErrInvalidOption      = errors.New("Message option is malformed")
	ErrTruncated          = errors.New("Message is malformed, it ends in the middle of a field")
	ErrEmptyPayload       = errors.New("Message has a payload marker but no payload")
	ErrInvalidEmpty       = errors.New("Empty message must not carry a token, options or payload")
)

// ParseError is returned by Decode for every malformed datagram. Offset is
// the byte position at which parsing gave up.
type ParseError struct {
	Offset int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Failed to parse message at byte %d: %s", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(offset int, err error) error {
	return &ParseError{Offset: offset, Err: err}
}

// Decode parses a single datagram. It either returns a complete Message or a
// *ParseError, never a partially filled Message.
//
// The returned Message does not alias data.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, parseErr(0, ErrMessageTooShort)
	}

	if len(data) > MaxMessageSize {
		return nil, parseErr(MaxMessageSize, ErrMessageTooLarge)
	}

	if data[0]>>6 != Version {
		return nil, parseErr(0, ErrInvalidVersion)
	}

	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		return nil, parseErr(0, ErrInvalidTokenLength)
	}

	msg := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}

	if msg.Code == Empty && len(data) != headerLength {
		return nil, parseErr(headerLength, ErrInvalidEmpty)
	}

	off := headerLength
	if len(data) < off+tkl {
		return nil, parseErr(off, ErrTruncated)
	}

	if tkl > 0 {
		msg.Token = append([]byte(nil), data[off:off+tkl]...)
	}
	off += tkl

	var (
		number uint32
		err    error
	)

	for off < len(data) {
		b := data[off]

		if b == payloadMarker {
			off++
			if off == len(data) {
				return nil, parseErr(off, ErrEmptyPayload)
			}

			msg.Payload = append([]byte(nil), data[off:]...)
			break
		}

		start := off
		off++

		var delta, length uint32

		delta, off, err = readExtended(data, off, b>>4)
		if err != nil {
			return nil, parseErr(start, err)
		}

		length, off, err = readExtended(data, off, b&0x0f)
		if err != nil {
			return nil, parseErr(start, err)
		}

		number += delta
		if number > 0xffff {
			return nil, parseErr(start, ErrInvalidOption)
		}

		if uint32(len(data)-off) < length {
			return nil, parseErr(off, ErrTruncated)
		}

		var value []byte
		if length > 0 {
			value = append([]byte(nil), data[off:off+int(length)]...)
		}

		msg.Options = append(msg.Options, Option{ID: OptionID(number), Value: value})
		off += int(length)
	}

	return msg, nil
}

// readExtended resolves an option delta or length nibble, consuming any
// extension bytes that follow the option header.
func readExtended(data []byte, off int, nibble byte) (uint32, int, error) {
	switch {
	case nibble < 13:
		return uint32(nibble), off, nil

	case nibble == 13:
		if off+1 > len(data) {
			return 0, off, ErrTruncated
		}
		return uint32(data[off]) + 13, off + 1, nil

	case nibble == 14:
		if off+2 > len(data) {
			return 0, off, ErrTruncated
		}
		return uint32(binary.BigEndian.Uint16(data[off:off+2])) + 269, off + 2, nil

	default:
		// 15 is reserved for the payload marker
		return 0, off, ErrInvalidOption
	}
}
