package repository

import (
	"context"
	"fmt"

	"github.com/golang/snappy"
)

// snappyMarker prefixes compressed values so stores can be switched to compression in place.
const snappyMarker byte = 0xff

// CompressedStore snappy-compresses values written to the wrapped store.
type CompressedStore struct {
	inner KeyValueStore
}

// NewCompressedStore wraps inner with transparent compression.
func NewCompressedStore(inner KeyValueStore) *CompressedStore {
	return &CompressedStore{inner: inner}
}

// Get decompresses marked values and returns unmarked values untouched.
func (s *CompressedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || raw[0] != snappyMarker {
		return raw, nil
	}
	decoded, err := snappy.Decode(nil, raw[1:])
	if err != nil {
		return nil, fmt.Errorf("snappy decode %s: %w", key, err)
	}
	return decoded, nil
}

// Set compresses value before writing.
func (s *CompressedStore) Set(ctx context.Context, key string, value []byte) error {
	encoded := snappy.Encode(nil, value)
	buf := make([]byte, 0, len(encoded)+1)
	buf = append(buf, snappyMarker)
	buf = append(buf, encoded...)
	return s.inner.Set(ctx, key, buf)
}

// Delete removes key from the wrapped store.
func (s *CompressedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Keys lists keys from the wrapped store.
func (s *CompressedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}
