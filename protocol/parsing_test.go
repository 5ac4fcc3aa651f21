package protocol_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"

	"github.com/luma/coapnode/protocol"
)

var observeTemperature = []byte{
	0x41, 0x01, 0x12, 0x34, // CON GET id=0x1234 tkl=1
	0xAA,       // token
	0x60,       // Observe, delta 6, empty value
	0x57,       // Uri-Path, delta 5, length 7
	's', 'e', 'n', 's', 'o', 'r', 's',
	0x0B, // Uri-Path, delta 0, length 11
	't', 'e', 'm', 'p', 'e', 'r', 'a', 't', 'u', 'r', 'e',
}

var _ = Describe("Parsing", func() {
	Describe("Decode()", func() {
		It("parses an observe request", func() {
			msg, err := protocol.Decode(observeTemperature)
			Expect(err).To(Succeed())

			Expect(msg.Type).To(Equal(protocol.Confirmable))
			Expect(msg.Code).To(Equal(protocol.GET))
			Expect(msg.MessageID).To(Equal(uint16(0x1234)))
			Expect(msg.Token).To(Equal([]byte{0xAA}))
			Expect(msg.Path()).To(Equal([]string{"sensors", "temperature"}))
			Expect(msg.PathString()).To(Equal("/sensors/temperature"))

			seq, ok := msg.Observe()
			Expect(ok).To(BeTrue())
			Expect(seq).To(BeZero())
		})

		It("parses a payload after the payload marker", func() {
			data := []byte{0x62, 0x45, 0x00, 0x07, 0x01, 0x02, 0xC0, 0xFF, '2', '3', '.', '5', '0'}

			msg, err := protocol.Decode(data)
			Expect(err).To(Succeed())
			Expect(msg.Type).To(Equal(protocol.Acknowledgement))
			Expect(msg.Code).To(Equal(protocol.Content))
			Expect(msg.Token).To(Equal([]byte{0x01, 0x02}))

			cf, ok := msg.ContentFormat()
			Expect(ok).To(BeTrue())
			Expect(cf).To(Equal(protocol.TextPlain))
			Expect(string(msg.Payload)).To(Equal("23.50"))
		})

		It("parses extended option deltas and lengths", func() {
			value := []byte("abcdefghijklmnopqrst")
			data := []byte{0x40, 0x01, 0x00, 0x01, 0xED, 0x00, 0x1F, byte(len(value) - 13)}
			data = append(data, value...)

			msg, err := protocol.Decode(data)
			Expect(err).To(Succeed())
			Expect(msg.Options).To(HaveLen(1))
			Expect(msg.Options[0].ID).To(Equal(protocol.OptionID(300)))
			Expect(msg.Options[0].Value).To(Equal(value))
		})

		It("does not alias the input buffer", func() {
			data := append([]byte(nil), observeTemperature...)
			msg, err := protocol.Decode(data)
			Expect(err).To(Succeed())

			data[4] = 0x00
			Expect(msg.Token).To(Equal([]byte{0xAA}))
		})

		DescribeTable("rejects malformed datagrams",
			func(data []byte, expected error) {
				msg, err := protocol.Decode(data)
				Expect(msg).To(BeNil())
				Expect(errors.Is(err, expected)).To(BeTrue(), "got %v", err)

				var parseErr *protocol.ParseError
				Expect(errors.As(err, &parseErr)).To(BeTrue())
			},
			Entry("shorter than the header", []byte{0x40, 0x01}, protocol.ErrMessageTooShort),
			Entry("wrong version", []byte{0x80, 0x01, 0x00, 0x01}, protocol.ErrInvalidVersion),
			Entry("token length over 8", []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}, protocol.ErrInvalidTokenLength),
			Entry("token cut short", []byte{0x44, 0x01, 0x00, 0x01, 1, 2}, protocol.ErrTruncated),
			Entry("option value cut short", []byte{0x40, 0x01, 0x00, 0x01, 0xB5, 'a', 'b'}, protocol.ErrTruncated),
			Entry("extended delta cut short", []byte{0x40, 0x01, 0x00, 0x01, 0xE0, 0x01}, protocol.ErrTruncated),
			Entry("reserved delta nibble", []byte{0x40, 0x01, 0x00, 0x01, 0xF0}, protocol.ErrInvalidOption),
			Entry("reserved length nibble", []byte{0x40, 0x01, 0x00, 0x01, 0x1F}, protocol.ErrInvalidOption),
			Entry("payload marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xFF}, protocol.ErrEmptyPayload),
			Entry("empty message with a token", []byte{0x41, 0x00, 0x00, 0x01, 0xAA}, protocol.ErrInvalidEmpty),
			Entry("longer than the message size limit",
				append([]byte{0x40, 0x03, 0x00, 0x01, 0xFF}, bytes.Repeat([]byte{'x'}, protocol.MaxMessageSize)...),
				protocol.ErrMessageTooLarge),
		)
	})

	Describe("Code", func() {
		It("renders response codes in dotted form", func() {
			Expect(protocol.Content.String()).To(Equal("2.05 Content"))
			Expect(protocol.NotFound.String()).To(Equal("4.04 Not Found"))
			Expect(protocol.GET.String()).To(Equal("GET"))
		})

		It("classifies requests and responses", func() {
			Expect(protocol.PUT.IsRequest()).To(BeTrue())
			Expect(protocol.Empty.IsRequest()).To(BeFalse())
			Expect(protocol.Changed.IsResponse()).To(BeTrue())
		})
	})
})
