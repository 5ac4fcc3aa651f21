package sensors

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/coapnode/storage"
)

const DefaultInterval = 5 * time.Second

var ErrNoSource = errors.New("No sensor source configured")

type SamplerOptions struct {
	Source   Source
	Store    storage.Store
	Interval time.Duration
	Log      *zap.Logger
}

// Sampler periodically reads its Source and writes every reading to the
// store, which fans them out to whoever publishes them.
type Sampler struct {
	source   Source
	store    storage.Store
	interval time.Duration
	log      *zap.Logger
}

func NewSampler(options SamplerOptions) *Sampler {
	interval := options.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Sampler{
		source:   options.Source,
		store:    options.Store,
		interval: interval,
		log:      log,
	}
}

// SampleOnce takes one round of readings.
func (s *Sampler) SampleOnce(ctx context.Context) (err error) {
	if s.source == nil {
		return ErrNoSource
	}

	readings, err := s.source.Read(ctx)
	if err != nil {
		return err
	}

	for _, r := range readings {
		err = multierr.Append(err, s.store.Set(ctx, r.Name, r.Value))
	}

	return err
}

// Run samples immediately and then every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Sampling", zap.Duration("interval", s.interval))

	for {
		if err := s.SampleOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.log.Warn("Failed to sample", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
		}
	}
}
