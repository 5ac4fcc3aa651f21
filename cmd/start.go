package cmd

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/coapnode/discovery"
	"github.com/luma/coapnode/internal/env"
	"github.com/luma/coapnode/sensors"
	"github.com/luma/coapnode/server"
	"github.com/luma/coapnode/storage"
	"github.com/luma/coapnode/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for CoAP requests on, COAPNODE_PORT if unset
	port int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 0, "The port to listen for CoAP requests on")
	flags.StringVar(&httpPort, "http-port", "8683", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "::", "The host to listen on")
}

type observerView struct {
	Handle   string `json:"handle"`
	Resource string `json:"resource"`
	Addr     string `json:"addr"`
	Token    string `json:"token"`
	Age      uint32 `json:"age"`
	Format   int    `json:"format"`
}

type pendingView struct {
	MessageID uint16    `json:"messageID"`
	Addr      string    `json:"addr"`
	Retries   int       `json:"retries"`
	Deadline  time.Time `json:"deadline"`
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the sensor node",
	Long: `Start up the sensor node

Publishes temperature, humidity, air quality, air pressure, presence and
luminance readings as observable CoAP resources.

Usage
	coapnode start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
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

		if cmd.Flags().Changed("port") {
			conf.Port = port
		}

		udp, err := transport.Listen(transport.Options{
			Host:      host,
			Port:      conf.Port,
			Reuseport: true,
			Group:     conf.Group,
			Interface: conf.Interface,
			Log:       log.Named("transport"),
		})
		if err != nil {
			return err
		}
		defer udp.Close()

		store := storage.NewInmemoryStore()
		defer store.Close()

		node := server.New(server.Options{
			Conn:             udp,
			ObserverCapacity: conf.PoolSize,
			PendingCapacity:  conf.PoolSize,
			AckTimeout:       conf.AckTimeout,
			MaxRetries:       conf.MaxRetries,
			Log:              log.Named("server"),
		})
		defer node.Close()

		sampler := sensors.NewSampler(sensors.SamplerOptions{
			Source:   sensors.NewSimulated(time.Now().UnixNano()),
			Store:    store,
			Interval: conf.SampleInterval,
			Log:      log.Named("sampler"),
		})

		if conf.MDNS {
			advertiser := discovery.NewAdvertiser(discovery.Options{
				Port:      conf.Port,
				Interface: conf.Interface,
				Log:       log.Named("mdns"),
			})

			if err := advertiser.Advertise(node.Directory()); err != nil {
				return err
			}
			defer advertiser.Shutdown()
		}

		router := setupRouter(conf.DebugHTTP, log)

		router.GET("/readings", func(c *gin.Context) {
			readings, err := store.Backup()
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}

			c.Data(http.StatusOK, "application/json", readings)
		})

		router.GET("/observers", func(c *gin.Context) {
			views := make([]observerView, 0)
			for _, reg := range node.Observers() {
				views = append(views, observerView{
					Resource: reg.Resource,
					Addr:     reg.Addr.String(),
					Handle:   reg.Handle.String(),
					Token:    hex.EncodeToString(reg.Token),
					Age:      reg.Age,
					Format:   int(reg.Format),
				})
			}

			c.JSON(http.StatusOK, views)
		})

		router.GET("/pending", func(c *gin.Context) {
			views := make([]pendingView, 0)
			for _, e := range node.Pending() {
				views = append(views, pendingView{
					MessageID: e.MessageID,
					Addr:      e.Addr.String(),
					Retries:   e.Retries,
					Deadline:  e.Deadline,
				})
			}

			c.JSON(http.StatusOK, views)
		})

		s := serveHTTP(host, httpPort, router, log)

		ctx, stop := context.WithCancel(ctx)
		defer stop()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs error
		)

		run := func(name string, fn func(context.Context) error) {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := fn(ctx); err != nil {
					log.Error("Stopped with error", zap.String("component", name), zap.Error(err))

					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}

				// any one of them stopping takes the node down
				stop()
			}()
		}

		run("server", node.Serve)
		run("consumer", func(ctx context.Context) error {
			return node.Consume(ctx, store.ListenToUpdates())
		})
		run("sampler", sampler.Run)

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("host", host),
			zap.Int("port", conf.Port),
			zap.String("httpPort", httpPort))

		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownHTTP(s, log)

		wg.Wait()

		log.Info("Exiting")
		return errs
	},
}
