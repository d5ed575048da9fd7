package storage

import "context"

// KV is a string key-value store. Values are opaque blobs written whole.
type KV interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
