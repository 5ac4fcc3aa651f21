package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/coapnode/client"
	"github.com/luma/coapnode/internal/arena"
	"github.com/luma/coapnode/internal/env"
	"github.com/luma/coapnode/resource"
	"github.com/luma/coapnode/transport"
)

var (
	thermostatHTTPPort string
	observed           []string
)

func init() {
	flags := ThermostatCmd.PersistentFlags()

	flags.StringVar(&thermostatHTTPPort, "http-port", "8684", "The port to listen to HTTP requests on")
	flags.StringSliceVar(&observed, "observe", defaultObserved(), "The sensors to observe")
}

func defaultObserved() []string {
	var names []string
	for _, r := range resource.DefaultDirectory().Resources() {
		if r.Capabilities.Has(resource.CanObserve) {
			names = append(names, r.Name)
		}
	}

	return names
}

// values is the thermostat's view of the node's readings.
type values struct {
	mu       sync.Mutex
	readings map[string]float64
}

func (v *values) set(name string, value float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.readings[name] = value
}

func (v *values) snapshot() map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	copied := make(map[string]float64, len(v.readings))
	for name, value := range v.readings {
		copied[name] = value
	}

	return copied
}

var ThermostatCmd = &cobra.Command{
	Use:   "thermostat",
	Short: "Start up the thermostat",
	Long: `Start up the thermostat

Finds a sensor node on the multicast group and observes its readings.

Usage
	coapnode thermostat --observe temperature,humidity

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		udp, err := transport.Listen(transport.Options{
			Host:      "::",
			Port:      0,
			Interface: conf.Interface,
			Log:       log.Named("transport"),
		})
		if err != nil {
			return err
		}
		defer udp.Close()

		current := &values{readings: make(map[string]float64)}

		conn := client.New(client.Options{
			Conn:            udp,
			Group:           &net.UDPAddr{IP: net.ParseIP(conf.Group), Port: conf.Port, Zone: conf.Interface},
			WaiterCapacity:  conf.PoolSize,
			PendingCapacity: conf.PoolSize,
			AckTimeout:      conf.AckTimeout,
			MaxRetries:      conf.MaxRetries,
			ProbeInterval:   conf.ProbeInterval,
			OnValueChanged: func(name string, value float64) {
				log.Info("Value changed", zap.String("resource", name), zap.Float64("value", value))
				current.set(name, value)
			},
			Log: log.Named("client"),
		})
		defer conn.Close()

		ctx, stop := context.WithCancel(ctx)
		defer stop()

		// the receive loop outlives ctx so the observations can be
		// cancelled on the way out
		serveCtx, stopServe := context.WithCancel(context.Background())
		defer stopServe()

		served := make(chan error, 1)
		go func() {
			served <- conn.Serve(serveCtx)
			stop()
		}()

		router := setupRouter(conf.DebugHTTP, log)
		router.GET("/values", func(c *gin.Context) {
			c.JSON(http.StatusOK, current.snapshot())
		})

		s := serveHTTP("::", thermostatHTTPPort, router, log)

		if _, err := conn.Discover(ctx); err != nil {
			shutdownHTTP(s, log)

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var handles []arena.Handle
		for _, name := range observed {
			h, err := conn.Observe(ctx, name)
			if err != nil {
				log.Error("Failed to observe", zap.String("resource", name), zap.Error(err))
				continue
			}

			handles = append(handles, h)
		}

		<-ctx.Done()

		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		for _, h := range handles {
			if err := conn.Unobserve(context.Background(), h); err != nil {
				log.Warn("Failed to unobserve", zap.Error(err))
			}
		}

		shutdownHTTP(s, log)

		stopServe()
		err = <-served

		log.Info("Exiting")
		return err
	},
}
