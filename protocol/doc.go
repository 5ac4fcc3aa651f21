// Package protocol implements the wire codec for the constrained
// request/response and observe protocol spoken between sensor nodes and
// thermostats.
//
// The format follows CoAP (RFC 7252) with the Observe extension (RFC 7641).
// Messages are carried in single UDP datagrams and never exceed
// MaxMessageSize bytes.
//
// === Header
//
//    0                   1                   2                   3
//    0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |Ver| T |  TKL  |      Code     |          Message ID           |
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |   Token (if any, TKL bytes) ...
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |   Options (if any) ...
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//   |1 1 1 1 1 1 1 1|    Payload (if any) ...
//   +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// - `Ver` is always 1
// - `T` is the message type: CON (0), NON (1), ACK (2) or RST (3)
// - `TKL` is the token length, 0 to 8 bytes
//
// === Options
//
// Options are sorted by option number and each one is written as the delta
// from the previous option number plus the length of its value. Both use a
// 4 bit nibble, values of 13 and above spill into one (13) or two (14)
// extension bytes. A nibble of 15 is reserved for the payload marker.
//
// Repeatable options, such as Uri-Path, appear once per value with a delta
// of zero.
//
// === Reliability
//
// CON messages must be acknowledged by an ACK (or rejected by an RST)
// carrying the same message ID. Tokens correlate requests with responses and
// with every notification of an observation.
//
package protocol
