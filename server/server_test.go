package server_test

import (
	"bytes"
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/coapnode/internal/clock"
	"github.com/luma/coapnode/protocol"
	"github.com/luma/coapnode/resource"
	"github.com/luma/coapnode/server"
	"github.com/luma/coapnode/storage"
	"github.com/luma/coapnode/transport"
)

const (
	serverAddr = "[2001:db8::1]:5683"
	clientAddr = "[2001:db8::2]:5683"
)

var token = []byte{0xca, 0xfe, 0xf0, 0x0d}

func get(typ protocol.Type, id uint16, path ...string) *protocol.Message {
	msg := &protocol.Message{
		Type:      typ,
		Code:      protocol.GET,
		MessageID: id,
		Token:     token,
	}
	msg.SetPath(path...)

	return msg
}

func observe(id uint16, seq uint32, path ...string) *protocol.Message {
	msg := get(protocol.Confirmable, id, path...)
	msg.SetObserve(seq)

	return msg
}

func observeOf(msg *protocol.Message) uint32 {
	seq, ok := msg.Observe()
	ExpectWithOffset(1, ok).To(BeTrue(), "message has no Observe option")
	return seq
}

func formatOf(msg *protocol.Message) protocol.MediaType {
	mt, ok := msg.ContentFormat()
	ExpectWithOffset(1, ok).To(BeTrue(), "message has no Content-Format option")
	return mt
}

var _ = Describe("Server", func() {
	var (
		network *transport.Network
		conn    *transport.MemoryConn
		peer    *transport.MemoryConn
		manual  *clock.Manual
		srv     *server.Server

		replies chan *protocol.Message
	)

	// send delivers msg to the server as if it came from the client socket
	send := func(msg *protocol.Message) {
		data, err := protocol.Encode(msg)
		Expect(err).To(Succeed())
		srv.HandleDatagram(data, peer.LocalAddr())
	}

	next := func() *protocol.Message {
		var msg *protocol.Message
		Eventually(replies).Should(Receive(&msg))
		return msg
	}

	expectSilence := func() {
		Consistently(replies, 50*time.Millisecond).ShouldNot(Receive())
	}

	BeforeEach(func() {
		var err error

		network = transport.NewNetwork()

		conn, err = network.Listen(serverAddr)
		Expect(err).To(Succeed())

		peer, err = network.Listen(clientAddr)
		Expect(err).To(Succeed())

		manual = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

		srv = server.New(server.Options{
			Conn:             conn,
			ObserverCapacity: 2,
			PendingCapacity:  3,
			AckTimeout:       2 * time.Second,
			MaxRetries:       4,
			Clock:            manual,
			IDs:              protocol.NewIDGenerator(0x7000),
		})

		replies = make(chan *protocol.Message, 32)

		// the reader outlives the spec, so it works on its own copies
		go func(c *transport.MemoryConn, out chan<- *protocol.Message) {
			defer GinkgoRecover()

			buf := make([]byte, 1500)
			for {
				n, _, err := c.ReadFrom(buf)
				if err != nil {
					return
				}

				msg, err := protocol.Decode(buf[:n])
				Expect(err).To(Succeed())
				out <- msg
			}
		}(peer, replies)
	})

	AfterEach(func() {
		srv.Close()
		peer.Close()
		conn.Close()
	})

	Describe("observing temperature", func() {
		It("registers, notifies on a whole degree change and settles on ACK", func() {
			Expect(srv.OnSampleReady("temperature", 23.50)).To(Succeed())

			send(observe(0x1234, 0, "sensors", "temperature"))

			reply := next()
			Expect(reply.Type).To(Equal(protocol.Acknowledgement))
			Expect(reply.MessageID).To(Equal(uint16(0x1234)))
			Expect(reply.Code).To(Equal(protocol.Content))
			Expect(reply.Token).To(Equal(token))
			Expect(observeOf(reply)).To(Equal(uint32(0)))
			Expect(formatOf(reply)).To(Equal(protocol.TextPlain))
			Expect(string(reply.Payload)).To(Equal("23.50"))
			Expect(srv.Observers()).To(HaveLen(1))

			Expect(srv.OnSampleReady("temperature", 24.70)).To(Succeed())

			notification := next()
			Expect(notification.Type).To(Equal(protocol.Confirmable))
			Expect(notification.Code).To(Equal(protocol.Content))
			Expect(notification.Token).To(Equal(token))
			Expect(observeOf(notification)).To(Equal(uint32(2)))
			Expect(string(notification.Payload)).To(Equal("24.70"))
			Expect(srv.Pending()).To(HaveLen(1))
			Expect(manual.Armed()).To(Equal(1))

			send(&protocol.Message{
				Type:      protocol.Acknowledgement,
				Code:      protocol.Empty,
				MessageID: notification.MessageID,
			})

			Expect(srv.Pending()).To(BeEmpty())
			Expect(manual.Armed()).To(Equal(0))
			Expect(srv.Observers()).To(HaveLen(1))
		})

		It("does not notify when the change rule is not met", func() {
			srv.OnSampleReady("temperature", 23.10)
			send(observe(0x1234, 0, "sensors", "temperature"))
			next()

			Expect(srv.OnSampleReady("temperature", 23.90)).To(Succeed())
			expectSilence()
			Expect(srv.Pending()).To(BeEmpty())
		})

		It("does not notify when the first sample equals the zero already served", func() {
			send(observe(0x1234, 0, "sensors", "presence"))
			Expect(string(next().Payload)).To(Equal("0"))

			Expect(srv.OnSampleReady("presence", 0)).To(Succeed())
			expectSilence()
			Expect(srv.Pending()).To(BeEmpty())
		})

		It("hands out increasing ages", func() {
			send(observe(0x1234, 0, "sensors", "presence"))
			next()

			var ages []uint32
			for i := 1; i <= 3; i++ {
				srv.OnSampleReady("presence", float64(i%2))

				n := next()
				ages = append(ages, observeOf(n))

				send(&protocol.Message{Type: protocol.Acknowledgement, MessageID: n.MessageID})
			}

			Expect(ages).To(Equal([]uint32{2, 3, 4}))
		})

		It("retransmits then silently drops an observer that never answers", func() {
			send(observe(0x1234, 0, "sensors", "temperature"))
			next()

			srv.OnSampleReady("temperature", 24.70)
			first := next()

			for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
				manual.Advance(wait)

				resent := next()
				Expect(resent.MessageID).To(Equal(first.MessageID))
				Expect(observeOf(resent)).To(Equal(uint32(2)))
			}

			manual.Advance(16 * time.Second)
			expectSilence()

			Expect(srv.Pending()).To(BeEmpty())
			Expect(srv.Observers()).To(BeEmpty())
			Expect(manual.Armed()).To(Equal(0))

			srv.OnSampleReady("temperature", 26.00)
			expectSilence()
		})

		It("drops the observer when the client resets a notification", func() {
			send(observe(0x1234, 0, "sensors", "temperature"))
			next()

			srv.OnSampleReady("temperature", 24.70)
			n := next()

			send(&protocol.Message{Type: protocol.Reset, MessageID: n.MessageID})

			Expect(srv.Pending()).To(BeEmpty())
			Expect(srv.Observers()).To(BeEmpty())
		})

		It("drops every observer of a client that resets something unknown", func() {
			send(observe(0x1234, 0, "sensors", "temperature"))
			next()

			send(&protocol.Message{Type: protocol.Reset, MessageID: 0x4242})
			Expect(srv.Observers()).To(BeEmpty())
		})

		It("deregisters on Observe=1", func() {
			send(observe(0x1234, 0, "sensors", "temperature"))
			next()

			send(observe(0x1235, 1, "sensors", "temperature"))

			reply := next()
			Expect(reply.Code).To(Equal(protocol.Content))
			_, hasObserve := reply.Observe()
			Expect(hasObserve).To(BeFalse())
			Expect(srv.Observers()).To(BeEmpty())
		})

		It("deregisters on a plain GET", func() {
			send(observe(0x1234, 0, "sensors", "temperature"))
			next()

			send(get(protocol.Confirmable, 0x1235, "sensors", "temperature"))
			next()

			Expect(srv.Observers()).To(BeEmpty())
		})

		It("answers 5.03 when the observer pool is full", func() {
			for i, name := range []string{"temperature", "humidity"} {
				send(observe(uint16(0x1000+i), 0, "sensors", name))
				Expect(next().Code).To(Equal(protocol.Content))
			}

			send(observe(0x1002, 0, "sensors", "luminance"))

			reply := next()
			Expect(reply.Code).To(Equal(protocol.ServiceUnavailable))
			_, hasObserve := reply.Observe()
			Expect(hasObserve).To(BeFalse())
			Expect(srv.Observers()).To(HaveLen(2))
		})

		It("skips observers when the pending pool is full", func() {
			srv = server.New(server.Options{
				Conn:             conn,
				ObserverCapacity: 4,
				PendingCapacity:  1,
				Clock:            manual,
			})

			send(observe(0x1000, 0, "sensors", "presence"))
			next()

			other := get(protocol.Confirmable, 0x1001, "sensors", "presence")
			other.Token = []byte{0x01}
			other.SetObserve(0)
			send(other)
			next()

			err := srv.OnSampleReady("presence", 1)
			Expect(err).To(MatchError(ContainSubstring("Pool exhausted")))

			next()
			expectSilence()
			Expect(srv.Pending()).To(HaveLen(1))
		})
	})

	Describe("requests", func() {
		It("replies to NON requests with NON", func() {
			send(get(protocol.NonConfirmable, 0x2000, "sensors", "humidity"))

			reply := next()
			Expect(reply.Type).To(Equal(protocol.NonConfirmable))
			Expect(reply.Token).To(Equal(token))
			Expect(string(reply.Payload)).To(Equal("0.00"))
		})

		It("answers 4.04 for unknown paths", func() {
			send(get(protocol.Confirmable, 0x2000, "sensors", "wind"))
			Expect(next().Code).To(Equal(protocol.NotFound))
		})

		It("answers 4.05 for unsupported methods", func() {
			msg := get(protocol.Confirmable, 0x2000, "sensors", "temperature")
			msg.Code = protocol.POST
			send(msg)
			Expect(next().Code).To(Equal(protocol.MethodNotAllowed))

			send(get(protocol.Confirmable, 0x2001, "echo"))
			Expect(next().Code).To(Equal(protocol.MethodNotAllowed))
		})

		It("renders CBOR when asked to", func() {
			srv.OnSampleReady("luminance", 312)

			msg := get(protocol.Confirmable, 0x2000, "sensors", "luminance")
			msg.SetUintOption(protocol.Accept, uint32(protocol.CBOR))
			send(msg)

			reply := next()
			Expect(formatOf(reply)).To(Equal(protocol.CBOR))
			Expect(reply.Payload).To(Equal([]byte{0x19, 0x01, 0x38}))
		})

		It("answers 4.06 for formats it cannot render", func() {
			msg := get(protocol.Confirmable, 0x2000, "sensors", "luminance")
			msg.SetUintOption(protocol.Accept, 50)
			send(msg)

			Expect(next().Code).To(Equal(protocol.NotAcceptable))
		})

		It("echoes PUT /echo", func() {
			msg := &protocol.Message{
				Type:      protocol.NonConfirmable,
				Code:      protocol.PUT,
				MessageID: 0x2000,
				Token:     token,
				Payload:   []byte("probe"),
			}
			msg.SetPath("echo")
			send(msg)

			reply := next()
			Expect(reply.Code).To(Equal(protocol.Changed))
			Expect(reply.Token).To(Equal(token))
			Expect(string(reply.Payload)).To(Equal("probe"))
		})

		It("lists resources at /.well-known/core", func() {
			send(get(protocol.Confirmable, 0x2000, ".well-known", "core"))

			reply := next()
			Expect(reply.Type).To(Equal(protocol.Acknowledgement))
			Expect(reply.Code).To(Equal(protocol.Content))
			Expect(formatOf(reply)).To(Equal(protocol.LinkFormat))
			Expect(string(reply.Payload)).To(Equal(string(resource.DefaultDirectory().LinkFormat())))
			Expect(string(reply.Payload)).To(ContainSubstring("</sensors/temperature>;obs"))
		})

		It("answers 5.00 when the response does not fit in a message", func() {
			resources := []*resource.Resource{{
				Name:         "core",
				Path:         []string{".well-known", "core"},
				Kind:         resource.Discovery,
				Capabilities: resource.CanGet,
			}}
			for i := 0; i < 20; i++ {
				resources = append(resources, &resource.Resource{
					Name:         fmt.Sprintf("temperature-%d", i),
					Path:         []string{"sensors", "living-room", fmt.Sprintf("temperature-%d", i)},
					Kind:         resource.Temperature,
					Capabilities: resource.CanGet | resource.CanObserve,
				})
			}

			crowded := server.New(server.Options{
				Conn:      conn,
				Directory: resource.NewDirectory(resources...),
				Clock:     manual,
			})
			defer crowded.Close()

			data, err := protocol.Encode(get(protocol.Confirmable, 0x2000, ".well-known", "core"))
			Expect(err).To(Succeed())
			crowded.HandleDatagram(data, peer.LocalAddr())

			reply := next()
			Expect(reply.Type).To(Equal(protocol.Acknowledgement))
			Expect(reply.MessageID).To(Equal(uint16(0x2000)))
			Expect(reply.Token).To(Equal(token))
			Expect(reply.Code).To(Equal(protocol.InternalServerError))
			Expect(reply.Payload).To(BeEmpty())
		})

		It("drops an oversized echo without a reply", func() {
			msg := &protocol.Message{
				Type:      protocol.Confirmable,
				Code:      protocol.PUT,
				MessageID: 0x2000,
				Token:     token,
			}
			msg.SetPath("echo")

			data, err := protocol.Encode(msg)
			Expect(err).To(Succeed())
			data = append(data, 0xFF)
			data = append(data, bytes.Repeat([]byte{'x'}, 320-len(data))...)

			srv.HandleDatagram(data, peer.LocalAddr())
			expectSilence()
		})

		It("echoes the largest payload that fits", func() {
			msg := &protocol.Message{
				Type:      protocol.Confirmable,
				Code:      protocol.PUT,
				MessageID: 0x2000,
				Token:     token,
			}
			msg.SetPath("echo")

			header, err := protocol.Encode(msg)
			Expect(err).To(Succeed())
			msg.Payload = bytes.Repeat([]byte{'x'}, protocol.MaxMessageSize-len(header)-1)
			send(msg)

			reply := next()
			Expect(reply.Type).To(Equal(protocol.Acknowledgement))
			Expect(reply.Code).To(Equal(protocol.Changed))
			Expect(reply.Payload).To(Equal(msg.Payload))
		})

		It("answers a ping with a reset", func() {
			send(&protocol.Message{Type: protocol.Confirmable, Code: protocol.Empty, MessageID: 0x2000})

			reply := next()
			Expect(reply.Type).To(Equal(protocol.Reset))
			Expect(reply.MessageID).To(Equal(uint16(0x2000)))
		})

		It("drops malformed datagrams without a reply", func() {
			srv.HandleDatagram([]byte{0x80, 0x01}, peer.LocalAddr())
			srv.HandleDatagram([]byte{0x4f, 0x01, 0x00, 0x01}, peer.LocalAddr())
			expectSilence()
		})
	})

	Describe("Serve()", func() {
		It("answers requests read from the socket until cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- srv.Serve(ctx) }()

			data, _ := protocol.Encode(get(protocol.Confirmable, 0x3000, "sensors", "pressure"))
			peer.WriteTo(data, conn.LocalAddr())
			Expect(next().Code).To(Equal(protocol.NotFound))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})

	Describe("Consume()", func() {
		It("publishes readings from the store", func() {
			store := storage.NewInmemoryStore()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go srv.Consume(ctx, store.ListenToUpdates())

			send(observe(0x1234, 0, "sensors", "humidity"))
			next()

			Expect(store.Set(ctx, "humidity", 41.5)).To(Succeed())

			n := next()
			Expect(string(n.Payload)).To(Equal("41.50"))
			Expect(observeOf(n)).To(Equal(uint32(2)))

			store.Close()
		})
	})
})
