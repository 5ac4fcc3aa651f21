package resource

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/luma/coapnode/protocol"
)

var (
	ErrUnsupportedFormat = errors.New("Unsupported content format")
	ErrInvalidValue      = errors.New("Invalid value")
)

// Fractional reports whether values of kind are rendered with two decimals.
func (k Kind) Fractional() bool {
	switch k {
	case Temperature, Humidity, AirPressure:
		return true
	default:
		return false
	}
}

// FormatText renders v the way the node always has: two decimals for
// temperature, humidity and pressure, a whole number otherwise.
func FormatText(kind Kind, v float64) []byte {
	if kind.Fractional() {
		return []byte(strconv.FormatFloat(v, 'f', 2, 64))
	}

	return []byte(strconv.FormatInt(int64(math.Round(v)), 10))
}

// Encode renders v in the media type mt.
func Encode(kind Kind, v float64, mt protocol.MediaType) ([]byte, error) {
	switch mt {
	case protocol.TextPlain:
		return FormatText(kind, v), nil

	case protocol.CBOR:
		if kind.Fractional() {
			return cbor.Marshal(v)
		}

		return cbor.Marshal(int64(math.Round(v)))

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, mt)
	}
}

// Decode parses a payload in media type mt back into a value.
func Decode(payload []byte, mt protocol.MediaType) (float64, error) {
	switch mt {
	case protocol.TextPlain:
		v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidValue, payload)
		}

		return v, nil

	case protocol.CBOR:
		var raw interface{}
		if err := cbor.Unmarshal(payload, &raw); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}

		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return 0, fmt.Errorf("%w: unexpected %T", ErrInvalidValue, raw)
		}

	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedFormat, mt)
	}
}

// Acceptable reports whether a sensor value can be rendered in mt.
func Acceptable(mt protocol.MediaType) bool {
	return mt == protocol.TextPlain || mt == protocol.CBOR
}

// LinkFormat renders the directory as an RFC 6690 link-format document.
// The discovery resource itself is left out. Only the obs attribute is
// emitted so the listing fits in a single message.
func (d *Directory) LinkFormat() []byte {
	var b strings.Builder

	for _, r := range d.resources {
		if r.Kind == Discovery {
			continue
		}

		if b.Len() > 0 {
			b.WriteByte(',')
		}

		b.WriteString("<")
		b.WriteString(r.PathString())
		b.WriteString(">")

		if r.Capabilities.Has(CanObserve) {
			b.WriteString(";obs")
		}
	}

	return []byte(b.String())
}
