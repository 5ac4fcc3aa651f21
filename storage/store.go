// Package storage keeps the latest reading of every sensor as a JSON
// document and fans out every change to its listeners.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("Key not found")
	ErrClosed   = errors.New("Store closed")
)

// Update is sent to listeners whenever a key is set. Value is the raw JSON
// of the new value.
type Update struct {
	Key   string
	Value []byte
}

type Store interface {
	Set(ctx context.Context, key string, value interface{}) error
	Get(ctx context.Context, key string) ([]byte, error)

	// Backup returns the whole document
	Backup() ([]byte, error)

	ListenToUpdates() <-chan *Update

	Close() error
}
