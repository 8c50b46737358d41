package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

func exerciseKeyValueStore(t *testing.T, store KeyValueStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "queue:missing")
	assert.True(t, errors.Is(err, appErrors.ErrKeyNotFound))

	require.NoError(t, store.Set(ctx, "queue:b", []byte("2")))
	require.NoError(t, store.Set(ctx, "queue:a", []byte("1")))
	require.NoError(t, store.Set(ctx, "lock:x", []byte("x")))
	require.NoError(t, store.Set(ctx, "queue:a", []byte("1b")))

	value, err := store.Get(ctx, "queue:a")
	require.NoError(t, err)
	assert.Equal(t, "1b", string(value))

	keys, err := store.Keys(ctx, "queue:")
	require.NoError(t, err)
	assert.Equal(t, []string{"queue:a", "queue:b"}, keys)

	require.NoError(t, store.Delete(ctx, "queue:a"))
	require.NoError(t, store.Delete(ctx, "queue:a"))
	_, err = store.Get(ctx, "queue:a")
	assert.True(t, errors.Is(err, appErrors.ErrKeyNotFound))
}

func TestMemoryStore(t *testing.T) {
	exerciseKeyValueStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	value := []byte("abc")
	require.NoError(t, store.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(SQLiteStoreConfig{Path: filepath.Join(t.TempDir(), "local.db")})
	require.NoError(t, err)
	defer store.Close()

	exerciseKeyValueStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	store, err := NewSQLiteStore(SQLiteStoreConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "device:id", []byte("dev-1")))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Get(ctx, "device:id")
	assert.Error(t, err)

	reopened, err := NewSQLiteStore(SQLiteStoreConfig{Path: path})
	require.NoError(t, err)
	defer reopened.Close()
	value, err := reopened.Get(ctx, "device:id")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", string(value))
}

func TestSQLiteStorePathWithURICharacters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "a?b#c%20.db")

	store, err := NewSQLiteStore(SQLiteStoreConfig{Path: path})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Set(ctx, "device:id", []byte("dev-1")))

	_, err = os.Stat(path)
	require.NoError(t, err, "database is created at the configured path")
	_, err = os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(err))

	value, err := store.Get(ctx, "device:id")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", string(value))
}

func TestSQLiteStoreKeysTreatsPrefixLiterally(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(SQLiteStoreConfig{Path: filepath.Join(t.TempDir(), "local.db")})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "a_b", []byte("1")))
	require.NoError(t, store.Set(ctx, "axb", []byte("2")))

	keys, err := store.Keys(ctx, "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)
}

func TestCompressedStore(t *testing.T) {
	exerciseKeyValueStore(t, NewCompressedStore(NewMemoryStore()))
}

func TestCompressedStoreReadsUncompressedValues(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Set(ctx, "legacy", []byte(`{"a":1}`)))

	store := NewCompressedStore(inner)
	value, err := store.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(value))

	require.NoError(t, store.Set(ctx, "fresh", []byte(`{"b":2}`)))
	raw, err := inner.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, snappyMarker, raw[0])
}

func TestIndexedStoreMembers(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	store := NewIndexedStore(inner)

	require.NoError(t, store.Put(ctx, "locks", "lock:2", []byte("b")))
	require.NoError(t, store.Put(ctx, "locks", "lock:1", []byte("a")))
	require.NoError(t, store.Put(ctx, "locks", "lock:1", []byte("a2")))
	require.NoError(t, store.Put(ctx, "snapshots", "snapshot:1", []byte("s")))

	members, err := store.Members(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:1", "lock:2"}, members)

	require.NoError(t, store.Remove(ctx, "locks", "lock:2"))
	_, err = store.Get(ctx, "lock:2")
	assert.True(t, errors.Is(err, appErrors.ErrKeyNotFound))

	// a fresh wrapper reads the persisted index
	members, err = NewIndexedStore(inner).Members(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:1"}, members)

	empty, err := store.Members(ctx, "conflicts")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisKeysPatternEscapesGlob(t *testing.T) {
	store := NewRedisStore(nil, "madrasa:")
	assert.Equal(t, `madrasa:lock:\[a\]\*`, escapeGlob(store.key("lock:[a]*")))
}

// indexWriteFailingStore fails index writes while failing is set.
type indexWriteFailingStore struct {
	*MemoryStore
	failing bool
}

func (s *indexWriteFailingStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failing && strings.HasPrefix(key, indexKeyPrefix) {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestIndexedStoreKeepsMemoryAndDiskAlignedOnIndexWriteFailure(t *testing.T) {
	ctx := context.Background()
	inner := &indexWriteFailingStore{MemoryStore: NewMemoryStore()}
	store := NewIndexedStore(inner)
	require.NoError(t, store.Put(ctx, "locks", "lock:1", []byte("a")))

	inner.failing = true
	require.Error(t, store.Put(ctx, "locks", "lock:2", []byte("b")))
	members, err := store.Members(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:1"}, members)

	require.Error(t, store.Remove(ctx, "locks", "lock:1"))
	members, err = store.Members(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:1"}, members)

	inner.failing = false
	require.NoError(t, store.Put(ctx, "locks", "lock:2", []byte("b")))
	members, err = NewIndexedStore(inner).Members(ctx, "locks")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock:1", "lock:2"}, members)
}
