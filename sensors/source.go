// Package sensors acquires readings and writes them to the reading store.
// The hardware itself is out of reach of a host build, so a simulated
// source stands in for it.
package sensors

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

type Reading struct {
	Name  string
	Value float64
}

// Source produces one reading per sensor each time it is read.
type Source interface {
	Read(ctx context.Context) ([]Reading, error)
}

type walk struct {
	name     string
	value    float64
	min, max float64
	step     float64
	decimals int
}

// Simulated is a Source whose readings drift in a bounded random walk from
// plausible indoor values. Presence toggles now and then.
type Simulated struct {
	mu       sync.Mutex
	rand     *rand.Rand
	walks    []*walk
	presence float64
}

func NewSimulated(seed int64) *Simulated {
	return &Simulated{
		rand: rand.New(rand.NewSource(seed)),
		walks: []*walk{
			{name: "temperature", value: 21.0, min: 15, max: 30, step: 0.4, decimals: 2},
			{name: "humidity", value: 45.0, min: 20, max: 80, step: 0.8, decimals: 2},
			{name: "air_pressure", value: 101.3, min: 95, max: 105, step: 0.2, decimals: 2},
			{name: "air_quality", value: 50, min: 0, max: 500, step: 3, decimals: 0},
			{name: "luminance", value: 300, min: 0, max: 1000, step: 15, decimals: 0},
		},
	}
}

func (s *Simulated) Read(ctx context.Context) ([]Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	readings := make([]Reading, 0, len(s.walks)+1)

	for _, w := range s.walks {
		w.value += (s.rand.Float64()*2 - 1) * w.step
		w.value = math.Max(w.min, math.Min(w.max, w.value))

		readings = append(readings, Reading{Name: w.name, Value: round(w.value, w.decimals)})
	}

	if s.rand.Float64() < 0.1 {
		s.presence = 1 - s.presence
	}

	readings = append(readings, Reading{Name: "presence", Value: s.presence})

	return readings, nil
}

func round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

var _ Source = (*Simulated)(nil)
