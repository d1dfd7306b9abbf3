// Package kvstore provides the durable key-value store the resilience
// layer persists its state to. The store is assumed to survive process
// restarts but is not transactional across keys.
package kvstore

import "context"

type Store interface {
	// Get returns the value for key or common.ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX writes the value only if the key does not exist and
	// reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Remove(ctx context.Context, key string) error
	// GetAll returns every key with the given prefix and its value.
	GetAll(ctx context.Context, prefix string) (map[string][]byte, error)
}
