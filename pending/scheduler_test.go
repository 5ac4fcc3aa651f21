package pending_test

import (
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/coapnode/internal/clock"
	"github.com/luma/coapnode/pending"
)

type sent struct {
	data []byte
	at   time.Time
}

var _ = Describe("Scheduler", func() {
	var (
		start     time.Time
		c         *clock.Manual
		scheduler *pending.Scheduler
		addr      net.Addr

		mu      sync.Mutex
		sends   []sent
		expired []pending.Entry
		sendErr error
	)

	BeforeEach(func() {
		start = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)
		c = clock.NewManual(start)
		addr = &net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 5683}
		sends = nil
		expired = nil
		sendErr = nil

		scheduler = pending.NewScheduler(pending.Options{
			Capacity:   3,
			AckTimeout: 2 * time.Second,
			Clock:      c,
			Send: func(data []byte, _ net.Addr) error {
				mu.Lock()
				defer mu.Unlock()
				sends = append(sends, sent{data: data, at: c.Now()})
				return sendErr
			},
			OnExpire: func(e pending.Entry) {
				expired = append(expired, e)
			},
		})
	})

	AfterEach(func() {
		Expect(scheduler.Close()).To(Succeed())
	})

	It("retransmits k-1 times and then expires the entry", func() {
		_, err := scheduler.Insert([]byte("notify"), 42, []byte{1}, addr, 3)
		Expect(err).To(Succeed())

		c.Advance(time.Hour)

		Expect(sends).To(HaveLen(2))
		Expect(expired).To(HaveLen(1))
		Expect(expired[0].MessageID).To(Equal(uint16(42)))
		Expect(expired[0].Token).To(Equal([]byte{1}))
		Expect(scheduler.Len()).To(BeZero())
		Expect(c.Armed()).To(BeZero())
	})

	It("never resends after expiry", func() {
		scheduler.Insert([]byte("notify"), 42, nil, addr, 2)

		c.Advance(time.Hour)
		Expect(sends).To(HaveLen(1))

		c.Advance(time.Hour)
		Expect(sends).To(HaveLen(1))
		Expect(expired).To(HaveLen(1))
	})

	It("doubles the timeout from the previous absolute deadline", func() {
		scheduler.Insert([]byte("notify"), 7, nil, addr, 4)

		c.Advance(time.Hour)

		Expect(sends).To(HaveLen(3))
		Expect(sends[0].at).To(Equal(start.Add(2 * time.Second)))
		Expect(sends[1].at).To(Equal(start.Add(6 * time.Second)))
		Expect(sends[2].at).To(Equal(start.Add(14 * time.Second)))
		Expect(expired).To(HaveLen(1))
	})

	It("resends the stored bytes verbatim", func() {
		scheduler.Insert([]byte{0x40, 0x45, 0x00, 0x07}, 7, nil, addr, 2)

		c.Advance(2 * time.Second)

		Expect(sends).To(HaveLen(1))
		Expect(sends[0].data).To(Equal([]byte{0x40, 0x45, 0x00, 0x07}))
	})

	It("frees the entry and disarms the timer on acknowledgement", func() {
		scheduler.Insert([]byte("notify"), 9, nil, addr, 4)
		Expect(c.Armed()).To(Equal(1))

		e, ok := scheduler.Acknowledge(9)
		Expect(ok).To(BeTrue())
		Expect(e.MessageID).To(Equal(uint16(9)))
		Expect(c.Armed()).To(BeZero())

		c.Advance(time.Hour)
		Expect(sends).To(BeEmpty())
		Expect(expired).To(BeEmpty())
	})

	It("ignores duplicate and unknown acknowledgements", func() {
		scheduler.Insert([]byte("notify"), 9, nil, addr, 4)

		_, ok := scheduler.Acknowledge(9)
		Expect(ok).To(BeTrue())

		_, ok = scheduler.Acknowledge(9)
		Expect(ok).To(BeFalse())

		_, ok = scheduler.Acknowledge(1234)
		Expect(ok).To(BeFalse())
	})

	It("keeps the timer on the earliest remaining deadline", func() {
		scheduler.Insert([]byte("a"), 1, nil, addr, 4)
		c.Advance(time.Second)
		scheduler.Insert([]byte("b"), 2, nil, addr, 4)

		next, ok := c.NextDeadline()
		Expect(ok).To(BeTrue())
		Expect(next).To(Equal(start.Add(2 * time.Second)))

		scheduler.Acknowledge(1)

		next, ok = c.NextDeadline()
		Expect(ok).To(BeTrue())
		Expect(next).To(Equal(start.Add(3 * time.Second)))
	})

	It("returns ErrPoolExhausted when every slot is taken", func() {
		for id := uint16(1); id <= 3; id++ {
			_, err := scheduler.Insert([]byte("x"), id, nil, addr, 4)
			Expect(err).To(Succeed())
		}

		_, err := scheduler.Insert([]byte("x"), 4, nil, addr, 4)
		Expect(errors.Is(err, pending.ErrPoolExhausted)).To(BeTrue())
		Expect(scheduler.Len()).To(Equal(3))
	})

	It("keeps retrying when the transport fails", func() {
		sendErr = errors.New("network is unreachable")
		scheduler.Insert([]byte("x"), 5, nil, addr, 3)

		c.Advance(time.Hour)

		Expect(sends).To(HaveLen(2))
		Expect(expired).To(HaveLen(1))
	})

	It("serialises concurrent inserts and acknowledgements", func() {
		var wg sync.WaitGroup

		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(id uint16) {
				defer wg.Done()
				for n := 0; n < 100; n++ {
					if _, err := scheduler.Insert([]byte("x"), id, nil, addr, 4); err == nil {
						scheduler.Acknowledge(id)
					}
					scheduler.Tick()
				}
			}(uint16(i + 1))
		}

		wg.Wait()
		Expect(scheduler.Len()).To(BeZero())
	})
})

var _ = Describe("NextTimeout", func() {
	It("doubles up to the cap", func() {
		Expect(pending.NextTimeout(2 * time.Second)).To(Equal(4 * time.Second))
		Expect(pending.NextTimeout(40 * time.Second)).To(Equal(pending.MaxTimeout))
	})
})
