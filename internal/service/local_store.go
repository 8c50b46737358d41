package service

import "context"

// LocalStore is the per-device durable key/value store.
type LocalStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// CollectionStore is a LocalStore that also keeps an explicit index of collection members.
type CollectionStore interface {
	LocalStore
	Put(ctx context.Context, collection, key string, value []byte) error
	Remove(ctx context.Context, collection, key string) error
	Members(ctx context.Context, collection string) ([]string, error)
}
