package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// UpdateBufferSize is the capacity of each listener's channel. Set blocks
// while a listener's channel is full, but reads are not held up by it.
const UpdateBufferSize = 255

type InmemoryStore struct {
	mu          sync.Mutex
	values      []byte
	updateChans []chan *Update

	// sendMu orders deliveries to listeners. It is taken before mu and is
	// the only lock held while waiting on a full channel.
	sendMu sync.Mutex

	// stop will be closed when Close() is called
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values:      []byte("{}"),
		stop:        make(chan struct{}),
		updateChans: make([]chan *Update, 0),
	}
}

func (i *InmemoryStore) Close() error {
	i.stopOnce.Do(func() {
		i.mu.Lock()
		close(i.stop)
		updateChans := i.updateChans
		i.mu.Unlock()

		// wait out a Set that is still delivering
		i.sendMu.Lock()
		defer i.sendMu.Unlock()

		for _, updateChan := range updateChans {
			close(updateChan)
		}
	})

	return nil
}

func (i *InmemoryStore) Set(ctx context.Context, key string, value interface{}) error {
	i.sendMu.Lock()
	defer i.sendMu.Unlock()

	i.mu.Lock()

	if !i.isRunning() {
		i.mu.Unlock()
		return ErrClosed
	}

	values, err := sjson.SetBytes(i.values, gjsonEscape(key), value)
	if err != nil {
		i.mu.Unlock()
		return fmt.Errorf("set %s: %w", key, err)
	}

	i.values = values

	raw := []byte(gjson.GetBytes(i.values, gjsonEscape(key)).Raw)
	updateChans := append([]chan *Update(nil), i.updateChans...)

	i.mu.Unlock()

	for _, updateChan := range updateChans {
		select {
		case updateChan <- &Update{Key: key, Value: raw}:
		case <-ctx.Done():
			return ctx.Err()
		case <-i.stop:
			return ErrClosed
		}
	}

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := gjson.GetBytes(i.values, gjsonEscape(key))
	if !result.Exists() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return []byte(result.Raw), nil
}

// GetFloat reads a numeric value.
func (i *InmemoryStore) GetFloat(ctx context.Context, key string) (float64, error) {
	raw, err := i.Get(ctx, key)
	if err != nil {
		return 0, err
	}

	return gjson.ParseBytes(raw).Float(), nil
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, UpdateBufferSize)
	if !i.isRunning() {
		close(updateChan)
		return updateChan
	}

	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]byte(nil), i.values...), nil
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

// gjsonEscape keeps path syntax characters in a key from being interpreted
// by gjson and sjson.
func gjsonEscape(key string) string {
	escaped := make([]byte, 0, len(key))
	for j := 0; j < len(key); j++ {
		switch key[j] {
		case '.', '*', '?', '|', '#', '@', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, key[j])
	}

	return string(escaped)
}

var _ Store = (*InmemoryStore)(nil)
