// Package resource describes the node's addressable resources, the rules
// that decide when a new sample is worth notifying observers about, and the
// payload formats values are rendered in.
package resource

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

var (
	ErrUnknownResource = errors.New("Unknown resource")
)

type Kind int

const (
	Echo Kind = iota
	Temperature
	Humidity
	AirQuality
	AirPressure
	Presence
	Luminance
	Discovery
)

var kindNames = map[Kind]string{
	Echo:        "echo",
	Temperature: "temperature",
	Humidity:    "humidity",
	AirQuality:  "air_quality",
	AirPressure: "air_pressure",
	Presence:    "presence",
	Luminance:   "luminance",
	Discovery:   "core",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsSensor reports whether the kind carries a sampled value.
func (k Kind) IsSensor() bool {
	return k >= Temperature && k <= Luminance
}

// Capabilities is the set of operations a resource supports.
type Capabilities uint8

const (
	CanGet Capabilities = 1 << iota
	CanPut
	CanObserve
)

func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

// Resource is one addressable path on the node. Sensor resources keep their
// latest two samples.
type Resource struct {
	Name         string
	Path         []string
	Kind         Kind
	Capabilities Capabilities

	current     float64
	previous    float64
	hasCurrent  bool
	hasPrevious bool
}

// PathString renders the path with a leading slash.
func (r *Resource) PathString() string {
	return "/" + strings.Join(r.Path, "/")
}

func (r *Resource) matches(path []string) bool {
	if len(path) != len(r.Path) {
		return false
	}

	for i := range path {
		if path[i] != r.Path[i] {
			return false
		}
	}

	return true
}

// Sample is the outcome of recording a new value.
type Sample struct {
	Name     string
	Kind     Kind
	Value    float64
	Previous float64

	// First is set for the first value a resource ever records
	First bool

	// Dirty is set when the change rule says observers should hear about it
	Dirty bool
}

// Changed applies the change rule for kind. Temperature, humidity and
// pressure need their integer part to move by a whole unit, the air quality
// index its rounded value, and presence and luminance notify on any change.
func Changed(kind Kind, previous, current float64) bool {
	switch kind {
	case Temperature, Humidity, AirPressure:
		return math.Abs(math.Trunc(current)-math.Trunc(previous)) >= 1

	case AirQuality:
		return math.Abs(math.Round(current)-math.Round(previous)) >= 1

	default:
		return current != previous
	}
}

// Directory is the node's set of resources. Values are guarded by a single
// mutex, the resource list itself never changes after construction.
type Directory struct {
	mu        sync.RWMutex
	resources []*Resource
}

func NewDirectory(resources ...*Resource) *Directory {
	return &Directory{resources: resources}
}

// DefaultDirectory returns the sensor node's resources: the echo probe
// target, six observable sensors and the link-format listing.
func DefaultDirectory() *Directory {
	sensor := func(kind Kind) *Resource {
		return &Resource{
			Name:         kind.String(),
			Path:         []string{"sensors", kind.String()},
			Kind:         kind,
			Capabilities: CanGet | CanObserve,
		}
	}

	return NewDirectory(
		&Resource{
			Name:         "core",
			Path:         []string{".well-known", "core"},
			Kind:         Discovery,
			Capabilities: CanGet,
		},
		&Resource{
			Name:         "echo",
			Path:         []string{"echo"},
			Kind:         Echo,
			Capabilities: CanPut,
		},
		sensor(Temperature),
		sensor(Humidity),
		sensor(AirQuality),
		sensor(AirPressure),
		sensor(Presence),
		sensor(Luminance),
	)
}

// Lookup finds the resource whose path equals path segment by segment.
func (d *Directory) Lookup(path []string) (*Resource, bool) {
	for _, r := range d.resources {
		if r.matches(path) {
			return r, true
		}
	}

	return nil, false
}

func (d *Directory) ByName(name string) (*Resource, bool) {
	for _, r := range d.resources {
		if r.Name == name {
			return r, true
		}
	}

	return nil, false
}

func (d *Directory) Resources() []*Resource {
	return d.resources
}

// Record stores value as the current sample of the named resource, moving
// the old current value to previous, and evaluates the change rule.
func (d *Directory) Record(name string, value float64) (Sample, error) {
	r, ok := d.ByName(name)
	if !ok || !r.Kind.IsSensor() {
		return Sample{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := Sample{
		Name:     r.Name,
		Kind:     r.Kind,
		Value:    value,
		Previous: r.current,
		First:    !r.hasCurrent,
	}

	// before the first sample the resource reads as zero, so that is what
	// the first sample is compared against
	s.Dirty = Changed(r.Kind, r.current, value)

	r.previous = r.current
	r.hasPrevious = r.hasCurrent
	r.current = value
	r.hasCurrent = true

	return s, nil
}

// Value returns the current sample of the named resource.
func (d *Directory) Value(name string) (float64, bool) {
	r, ok := d.ByName(name)
	if !ok {
		return 0, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return r.current, r.hasCurrent
}

// Previous returns the sample the current one replaced.
func (d *Directory) Previous(name string) (float64, bool) {
	r, ok := d.ByName(name)
	if !ok {
		return 0, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return r.previous, r.hasPrevious
}

// Values copies every recorded sensor value, keyed by resource name.
func (d *Directory) Values() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	values := make(map[string]float64, len(d.resources))
	for _, r := range d.resources {
		if r.hasCurrent {
			values[r.Name] = r.current
		}
	}

	return values
}
