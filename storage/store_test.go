package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkoelker/solara-proxy/metrics"
	"github.com/jkoelker/solara-proxy/storage"
)

var errBackendDown = errors.New("backend down")

// memoryBackend is an in-memory Backend that records calls and can fail
// writes to one table.
type memoryBackend struct {
	mu        sync.Mutex
	tables    map[storage.Table]map[string]string
	calls     []string
	failTable *storage.Table
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		tables: map[storage.Table]map[string]string{
			storage.Playback:  {},
			storage.Favorites: {},
		},
	}
}

func (m *memoryBackend) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call)
}

func (m *memoryBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.calls...)
}

func (m *memoryBackend) failing(table storage.Table) bool {
	return m.failTable != nil && *m.failTable == table
}

func (m *memoryBackend) CreateTables(_ context.Context, _ []storage.Table) error {
	m.record("create")

	return nil
}

func (m *memoryBackend) ReadAll(_ context.Context, table storage.Table) ([]storage.Row, error) {
	m.record("read_all:" + table.Name())

	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]storage.Row, 0, len(m.tables[table]))
	for key, value := range m.tables[table] {
		rows = append(rows, storage.Row{Key: key, Value: value})
	}

	return rows, nil
}

func (m *memoryBackend) Read(_ context.Context, table storage.Table, keys []string) ([]storage.Row, error) {
	m.record("read:" + table.Name())

	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []storage.Row

	for _, key := range keys {
		if value, ok := m.tables[table][key]; ok {
			rows = append(rows, storage.Row{Key: key, Value: value})
		}
	}

	return rows, nil
}

func (m *memoryBackend) Upsert(_ context.Context, table storage.Table, rows []storage.Row) error {
	m.record("upsert:" + table.Name())

	if m.failing(table) {
		return errBackendDown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		m.tables[table][row.Key] = row.Value
	}

	return nil
}

func (m *memoryBackend) Delete(_ context.Context, table storage.Table, keys []string) error {
	m.record("delete:" + table.Name())

	if m.failing(table) {
		return errBackendDown
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.tables[table], key)
	}

	return nil
}

func (m *memoryBackend) Ping(_ context.Context) error { return nil }

func (m *memoryBackend) Close() error { return nil }

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()

	store := storage.NewStore(nil)
	ctx := t.Context()

	assert.False(t, store.Available())
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	many, err := store.GetMany(ctx, []string{"volume"})
	require.NoError(t, err)
	assert.Empty(t, many)

	count, err := store.PutMany(ctx, map[string]any{"volume": "0.5"})
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = store.DeleteMany(ctx, []string{"volume"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	metrics.InitializeMeter("solara-proxy-storage-test")

	backend := newMemoryBackend()
	store := storage.NewStore(backend)
	ctx := t.Context()

	count, err := store.PutMany(ctx, map[string]any{
		"volume":        "0.5",
		"favoriteSongs": []any{"a"},
		"lastPosition":  nil,
		"":              "dropped",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.Equal(t, "0.5", backend.tables[storage.Playback]["volume"])
	assert.Equal(t, "", backend.tables[storage.Playback]["lastPosition"])
	assert.Equal(t, `["a"]`, backend.tables[storage.Favorites]["favoriteSongs"])
	assert.NotContains(t, backend.tables[storage.Playback], "favoriteSongs")

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"volume":        "0.5",
		"favoriteSongs": `["a"]`,
		"lastPosition":  "",
	}, all)

	many, err := store.GetMany(ctx, []string{"volume", "missing", "volume", "favoriteSongs"})
	require.NoError(t, err)
	require.Len(t, many, 3)
	require.NotNil(t, many["volume"])
	assert.Equal(t, "0.5", *many["volume"])
	require.NotNil(t, many["favoriteSongs"])
	assert.Equal(t, `["a"]`, *many["favoriteSongs"])
	assert.Contains(t, many, "missing")
	assert.Nil(t, many["missing"])

	count, err = store.DeleteMany(ctx, []string{"volume", "favoriteSongs", "", "neverStored"})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	all, err = store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"lastPosition": ""}, all)
}

func TestStoreEmptyInputSkipsBackend(t *testing.T) {
	t.Parallel()

	backend := newMemoryBackend()
	store := storage.NewStore(backend)
	ctx := t.Context()

	many, err := store.GetMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, many)

	count, err := store.PutMany(ctx, map[string]any{"": "x"})
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = store.DeleteMany(ctx, []string{""})
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Empty(t, backend.Calls())
}

func TestStoreSingleTableBatch(t *testing.T) {
	t.Parallel()

	backend := newMemoryBackend()
	store := storage.NewStore(backend)

	_, err := store.PutMany(t.Context(), map[string]any{"volume": "1", "theme": "dark"})
	require.NoError(t, err)

	assert.Equal(t, []string{"create", "upsert:playback_store"}, backend.Calls())
}

func TestStorePartialFailure(t *testing.T) {
	t.Parallel()

	failing := storage.Favorites
	backend := newMemoryBackend()
	backend.failTable = &failing
	store := storage.NewStore(backend)

	count, err := store.PutMany(t.Context(), map[string]any{
		"volume":        "0.7",
		"favoriteSongs": "[]",
	})
	require.ErrorIs(t, err, errBackendDown)
	assert.Zero(t, count)

	// The playback batch is independent and stays committed
	assert.Equal(t, "0.7", backend.tables[storage.Playback]["volume"])
	assert.NotContains(t, backend.tables[storage.Favorites], "favoriteSongs")
}

func TestStoreWithSQLite(t *testing.T) {
	t.Parallel()

	backend, err := storage.OpenSQLite(filepath.Join(t.TempDir(), storage.SQLiteFileName))
	require.NoError(t, err)

	store := storage.NewStore(backend)

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Failed to close store: %v", err)
		}
	})

	ctx := t.Context()

	count, err := store.PutMany(ctx, map[string]any{
		"volume":               0.8,
		"currentFavoriteIndex": 2,
		"shuffle":              true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"volume":               "0.8",
		"currentFavoriteIndex": "2",
		"shuffle":              "true",
	}, all)
}
