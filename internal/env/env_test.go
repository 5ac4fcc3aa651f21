package env_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/coapnode/internal/env"
)

var _ = Describe("LoadConfig()", func() {
	AfterEach(func() {
		os.Unsetenv("COAPNODE_PORT")
		os.Unsetenv("COAPNODE_ACK_TIMEOUT")
		os.Unsetenv("COAPNODE_MDNS")
	})

	It("falls back to the defaults", func() {
		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(conf.Port).To(Equal(5683))
		Expect(conf.Group).To(Equal("ff02::fd"))
		Expect(conf.MaxRetries).To(Equal(4))
		Expect(conf.AckTimeout).To(Equal(2 * time.Second))
		Expect(conf.PoolSize).To(Equal(10))
		Expect(conf.LogLevel).To(Equal("info"))
		Expect(conf.MDNS).To(BeFalse())
	})

	It("reads the environment", func() {
		os.Setenv("COAPNODE_PORT", "15683")
		os.Setenv("COAPNODE_ACK_TIMEOUT", "500ms")
		os.Setenv("COAPNODE_MDNS", "true")

		conf, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(conf.Port).To(Equal(15683))
		Expect(conf.AckTimeout).To(Equal(500 * time.Millisecond))
		Expect(conf.MDNS).To(BeTrue())
	})
})

var _ = Describe("MakeLogger()", func() {
	It("accepts zap level names", func() {
		log, err := env.MakeLogger("debug")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(-1)).To(BeTrue())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("chatty")
		Expect(err).To(HaveOccurred())
	})
})
