package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port      int    `env:"COAPNODE_PORT,default=5683"`
	Group     string `env:"COAPNODE_GROUP,default=ff02::fd"`
	Interface string `env:"COAPNODE_INTERFACE"`

	MaxRetries int           `env:"COAPNODE_MAX_RETRIES,default=4"`
	AckTimeout time.Duration `env:"COAPNODE_ACK_TIMEOUT,default=2s"`
	PoolSize   int           `env:"COAPNODE_POOL_SIZE,default=10"`

	SampleInterval time.Duration `env:"COAPNODE_SAMPLE_INTERVAL,default=5s"`
	ProbeInterval  time.Duration `env:"COAPNODE_PROBE_INTERVAL,default=5s"`

	MDNS      bool   `env:"COAPNODE_MDNS"`
	DebugHTTP bool   `env:"COAPNODE_DEBUG_HTTP"`
	LogLevel  string `env:"COAPNODE_LOG_LEVEL,default=info"`
}

// LoadConfig reads the environment, after loading .env.local if there is
// one.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env.local: %w", err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
