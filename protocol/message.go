package protocol

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

const (
	// Version is the only protocol version we speak
	Version = 1

	// MaxMessageSize bounds every encoded datagram
	MaxMessageSize = 256

	MaxTokenLength = 8

	// MaxObserve is the largest value the 3 byte Observe option can hold
	MaxObserve = 1<<24 - 1

	headerLength  = 4
	payloadMarker = 0xFF
)

type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code is a request method or response code, stored as class << 5 | detail.
type Code uint8

const (
	Empty Code = 0

	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4

	Created Code = 2<<5 | 1
	Deleted Code = 2<<5 | 2
	Valid   Code = 2<<5 | 3
	Changed Code = 2<<5 | 4
	Content Code = 2<<5 | 5

	BadRequest       Code = 4<<5 | 0
	NotFound         Code = 4<<5 | 4
	MethodNotAllowed Code = 4<<5 | 5
	NotAcceptable    Code = 4<<5 | 6

	InternalServerError Code = 5<<5 | 0
	ServiceUnavailable  Code = 5<<5 | 3
)

var codeNames = map[Code]string{
	Empty:               "Empty",
	GET:                 "GET",
	POST:                "POST",
	PUT:                 "PUT",
	DELETE:              "DELETE",
	Created:             "Created",
	Deleted:             "Deleted",
	Valid:               "Valid",
	Changed:             "Changed",
	Content:             "Content",
	BadRequest:          "Bad Request",
	NotFound:            "Not Found",
	MethodNotAllowed:    "Method Not Allowed",
	NotAcceptable:       "Not Acceptable",
	InternalServerError: "Internal Server Error",
	ServiceUnavailable:  "Service Unavailable",
}

func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsRequest returns true for method codes (class 0, other than Empty)
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse returns true for response codes (classes 2 to 5)
func (c Code) IsResponse() bool {
	return c.Class() >= 2 && c.Class() <= 5
}

// String renders a code the usual dotted way, e.g. "2.05 Content"
func (c Code) String() string {
	if c.IsRequest() {
		if name, ok := codeNames[c]; ok {
			return name
		}
	}

	s := fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
	if name, ok := codeNames[c]; ok {
		s += " " + name
	}

	return s
}

type OptionID uint16

const (
	URIHost       OptionID = 3
	Observe       OptionID = 6
	URIPort       OptionID = 7
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	URIQuery      OptionID = 15
	Accept        OptionID = 17
)

type MediaType uint16

const (
	TextPlain  MediaType = 0
	LinkFormat MediaType = 40
	CBOR       MediaType = 60
)

type Option struct {
	ID    OptionID
	Value []byte
}

type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   []Option
	Payload   []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s [%s] id=%d token=%x path=%s",
		m.Type, m.Code, m.MessageID, m.Token, m.PathString())
}

// AddOption inserts an option after any existing options with a number less
// than or equal to id, keeping Options in canonical order.
func (m *Message) AddOption(id OptionID, value []byte) {
	idx := sort.Search(len(m.Options), func(i int) bool {
		return m.Options[i].ID > id
	})

	m.Options = append(m.Options, Option{})
	copy(m.Options[idx+1:], m.Options[idx:])
	m.Options[idx] = Option{ID: id, Value: value}
}

// SetOption replaces every option numbered id with a single option.
func (m *Message) SetOption(id OptionID, value []byte) {
	m.RemoveOption(id)
	m.AddOption(id, value)
}

func (m *Message) RemoveOption(id OptionID) {
	kept := m.Options[:0]
	for _, o := range m.Options {
		if o.ID != id {
			kept = append(kept, o)
		}
	}

	if len(kept) == 0 {
		m.Options = nil
		return
	}

	m.Options = kept
}

// Option returns the value of the first option numbered id.
func (m *Message) Option(id OptionID) ([]byte, bool) {
	for _, o := range m.Options {
		if o.ID == id {
			return o.Value, true
		}
	}

	return nil, false
}

// UintOption decodes the first option numbered id as an unsigned integer.
func (m *Message) UintOption(id OptionID) (uint32, bool) {
	v, ok := m.Option(id)
	if !ok || len(v) > 4 {
		return 0, false
	}

	var n uint32
	for _, b := range v {
		n = n<<8 | uint32(b)
	}

	return n, true
}

func (m *Message) SetUintOption(id OptionID, v uint32) {
	m.SetOption(id, EncodeUint(v))
}

func (m *Message) Path() []string {
	var segments []string
	for _, o := range m.Options {
		if o.ID == URIPath {
			segments = append(segments, string(o.Value))
		}
	}

	return segments
}

func (m *Message) PathString() string {
	return "/" + strings.Join(m.Path(), "/")
}

func (m *Message) SetPath(segments ...string) {
	m.RemoveOption(URIPath)
	for _, s := range segments {
		m.AddOption(URIPath, []byte(s))
	}
}

func (m *Message) Observe() (uint32, bool) {
	return m.UintOption(Observe)
}

func (m *Message) SetObserve(seq uint32) {
	m.SetUintOption(Observe, seq&MaxObserve)
}

func (m *Message) ContentFormat() (MediaType, bool) {
	v, ok := m.UintOption(ContentFormat)
	return MediaType(v), ok
}

func (m *Message) SetContentFormat(mt MediaType) {
	m.SetUintOption(ContentFormat, uint32(mt))
}

func (m *Message) Accept() (MediaType, bool) {
	v, ok := m.UintOption(Accept)
	return MediaType(v), ok
}

// EncodeUint returns the shortest big endian encoding of v, zero encodes as
// an empty (nil) value.
func EncodeUint(v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	i := 0
	for i < len(buf) && buf[i] == 0 {
		i++
	}

	if i == len(buf) {
		return nil
	}

	return append([]byte(nil), buf[i:]...)
}
