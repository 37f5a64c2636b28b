package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// badgerRecord is the value stored under each badger key.
type badgerRecord struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BadgerBackend stores each table as a key prefix ("playback_store:volume")
// in a single BadgerDB. Tables need no DDL, so CreateTables only validates.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) a BadgerDB in dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).
		WithSyncWrites(false).
		WithLogger(nil).
		WithCompression(options.Snappy)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BadgerBackend{db: db}, nil
}

// CreateTables validates the tables; prefixes exist implicitly.
func (b *BadgerBackend) CreateTables(ctx context.Context, tables []Table) error {
	for _, table := range tables {
		if !table.valid() {
			return fmt.Errorf("%w: %d", ErrUnknownTable, table)
		}
	}

	return ctx.Err()
}

// ReadAll returns every row under the table prefix.
func (b *BadgerBackend) ReadAll(ctx context.Context, table Table) ([]Row, error) {
	if !table.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	var rows []Row

	prefix := []byte(table.Name() + badgerKeySeparator)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()

			record, err := decodeRecord(item)
			if err != nil {
				return err
			}

			key := string(item.Key()[len(prefix):])
			rows = append(rows, Row{Key: key, Value: record.Value})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table.Name(), err)
	}

	return rows, nil
}

// Read returns the rows of table whose keys are in keys, in one read
// transaction.
func (b *BadgerBackend) Read(ctx context.Context, table Table, keys []string) ([]Row, error) {
	if !table.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	var rows []Row

	err := b.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}

			item, err := txn.Get(badgerKey(table, key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}

			if err != nil {
				return fmt.Errorf("failed to get key %s: %w", key, err)
			}

			record, err := decodeRecord(item)
			if err != nil {
				return err
			}

			rows = append(rows, Row{Key: key, Value: record.Value})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table.Name(), err)
	}

	return rows, nil
}

// Upsert writes rows through a write batch, which commits as many
// transactions as the batch needs to stay under badger's size limits.
func (b *BadgerBackend) Upsert(ctx context.Context, table Table, rows []Row) error {
	if !table.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	now := time.Now().UTC()

	err := b.writeBatch(ctx, func(batch *badger.WriteBatch) error {
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}

			data, err := json.Marshal(badgerRecord{Value: row.Value, UpdatedAt: now})
			if err != nil {
				return fmt.Errorf("failed to marshal value for key %s: %w", row.Key, err)
			}

			if err := batch.Set(badgerKey(table, row.Key), data); err != nil {
				return fmt.Errorf("failed to set key %s: %w", row.Key, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table.Name(), err)
	}

	return nil
}

// Delete removes keys through a write batch.
func (b *BadgerBackend) Delete(ctx context.Context, table Table, keys []string) error {
	if !table.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	err := b.writeBatch(ctx, func(batch *badger.WriteBatch) error {
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := batch.Delete(badgerKey(table, key)); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", key, err)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table.Name(), err)
	}

	return nil
}

// writeBatch runs fill against a new write batch and flushes it. The batch
// is cancelled when fill fails.
func (b *BadgerBackend) writeBatch(ctx context.Context, fill func(*badger.WriteBatch) error) error {
	batch := b.db.NewWriteBatch()

	if err := fill(batch); err != nil {
		batch.Cancel()

		return err
	}

	if err := ctx.Err(); err != nil {
		batch.Cancel()

		return err
	}

	if err := batch.Flush(); err != nil {
		return fmt.Errorf("failed to flush write batch: %w", err)
	}

	return nil
}

// Ping reports whether the database is still open.
func (b *BadgerBackend) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return badger.ErrDBClosed
	}

	return ctx.Err()
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// RunGC runs value log garbage collection. badger.ErrNoRewrite means there
// was nothing to collect and is not reported.
func (b *BadgerBackend) RunGC() error {
	err := b.db.RunValueLogGC(DefaultGCThreshold)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("failed to run garbage collection: %w", err)
	}

	return nil
}

func badgerKey(table Table, key string) []byte {
	return []byte(table.Name() + badgerKeySeparator + key)
}

func decodeRecord(item *badger.Item) (badgerRecord, error) {
	var record badgerRecord

	err := item.Value(func(data []byte) error {
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return badgerRecord{}, fmt.Errorf("failed to decode value for key %s: %w", item.Key(), err)
	}

	return record, nil
}
