package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkoelker/solara-proxy/metrics"
	"github.com/jkoelker/solara-proxy/tracing"
)

// Row is one key/value pair of a table.
type Row struct {
	Key   string
	Value string
}

// Backend is a key/value database holding the two tables. Each method is a
// single batched round trip for one table.
type Backend interface {
	// CreateTables creates the given tables if they do not exist.
	CreateTables(ctx context.Context, tables []Table) error

	// ReadAll returns every row of table.
	ReadAll(ctx context.Context, table Table) ([]Row, error)

	// Read returns the rows of table whose keys are in keys.
	Read(ctx context.Context, table Table, keys []string) ([]Row, error)

	// Upsert inserts rows, overwriting value and timestamp of existing keys.
	Upsert(ctx context.Context, table Table, rows []Row) error

	// Delete removes keys from table. Missing keys are not an error.
	Delete(ctx context.Context, table Table, keys []string) error

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Store is the persistence facade over the playback and favorites tables.
// A Store without a backend is valid and reports itself unavailable; every
// operation then returns zero values without error.
//
// Writes and deletes fan out one batch per table concurrently. The batches
// are independent: when one fails the other may already be committed and is
// not rolled back.
type Store struct {
	backend Backend
}

// NewStore wraps backend. A nil backend yields an unavailable store.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Available reports whether a backend is configured.
func (s *Store) Available() bool {
	return s != nil && s.backend != nil
}

// Close closes the backend, if any.
func (s *Store) Close() error {
	if !s.Available() {
		return nil
	}

	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("failed to close storage backend: %w", err)
	}

	return nil
}

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Available() {
		return nil
	}

	if err := s.backend.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping storage backend: %w", err)
	}

	return nil
}

// EnsureSchema creates both tables if they are absent. It is safe to call
// before every batch of operations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if !s.Available() {
		return nil
	}

	if err := s.backend.CreateTables(ctx, Tables()); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// GetAll returns every stored key from both tables.
func (s *Store) GetAll(ctx context.Context) (map[string]string, error) {
	data := make(map[string]string)
	if !s.Available() {
		return data, nil
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var mu sync.Mutex

	err := s.fanOut(ctx, "read_all", Tables(), func(ctx context.Context, table Table) error {
		rows, err := s.backend.ReadAll(ctx, table)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()

		for _, row := range rows {
			data[row.Key] = row.Value
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// GetMany returns the requested keys. Every requested key is present in the
// result; keys without a stored row map to nil.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]*string, error) {
	data := make(map[string]*string, len(keys))
	if !s.Available() {
		return data, nil
	}

	unique := make([]string, 0, len(keys))

	for _, key := range keys {
		if _, seen := data[key]; !seen {
			data[key] = nil
			unique = append(unique, key)
		}
	}

	if len(unique) == 0 {
		return data, nil
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	groups := groupKeys(unique)

	var mu sync.Mutex

	err := s.fanOut(ctx, "read", groupTables(groups), func(ctx context.Context, table Table) error {
		rows, err := s.backend.Read(ctx, table, groups[table])
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()

		for _, row := range rows {
			value := row.Value
			data[row.Key] = &value
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// PutMany upserts entries and returns how many were accepted. Empty keys are
// dropped and values are coerced with ValueString.
func (s *Store) PutMany(ctx context.Context, entries map[string]any) (int, error) {
	if !s.Available() {
		return 0, nil
	}

	rows := make([]Row, 0, len(entries))

	for _, key := range slices.Sorted(maps.Keys(entries)) {
		if key == "" {
			continue
		}

		rows = append(rows, Row{Key: key, Value: ValueString(entries[key])})
	}

	if len(rows) == 0 {
		return 0, nil
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	groups := groupRows(rows)

	err := s.fanOut(ctx, "upsert", groupTables(groups), func(ctx context.Context, table Table) error {
		return s.backend.Upsert(ctx, table, groups[table])
	})
	if err != nil {
		return 0, err
	}

	return len(rows), nil
}

// DeleteMany removes keys and returns how many were accepted, which is not
// necessarily how many rows existed.
func (s *Store) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if !s.Available() {
		return 0, nil
	}

	accepted := make([]string, 0, len(keys))

	for _, key := range keys {
		if key != "" {
			accepted = append(accepted, key)
		}
	}

	if len(accepted) == 0 {
		return 0, nil
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	groups := groupKeys(accepted)

	err := s.fanOut(ctx, "delete", groupTables(groups), func(ctx context.Context, table Table) error {
		return s.backend.Delete(ctx, table, groups[table])
	})
	if err != nil {
		return 0, err
	}

	return len(accepted), nil
}

// fanOut runs operation once per table concurrently and waits for all of
// them. Siblings are not cancelled when one fails; the first error is
// returned.
func (s *Store) fanOut(
	ctx context.Context,
	operation string,
	tables []Table,
	function func(context.Context, Table) error,
) error {
	var group errgroup.Group

	for _, table := range tables {
		group.Go(func() error {
			start := time.Now()

			err := tracing.WithSpan(ctx, "storage."+operation, func(ctx context.Context) error {
				return function(ctx, table)
			}, "table", table.Name())

			metrics.RecordStorageOperation(ctx, operation, table.Name(), start, err)

			if err != nil {
				return fmt.Errorf("failed to %s %s: %w", operation, table.Name(), err)
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("storage operation failed: %w", err)
	}

	return nil
}

// groupTables returns the tables with a non-empty group, in stable order.
func groupTables[T any](groups map[Table][]T) []Table {
	tables := make([]Table, 0, len(groups))

	for _, table := range Tables() {
		if len(groups[table]) > 0 {
			tables = append(tables, table)
		}
	}

	return tables
}
