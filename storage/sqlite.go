package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	// Registers the pure-Go "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores each table as a SQLite table of
// (key TEXT PRIMARY KEY, value TEXT, updated_at TEXT).
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cleanPath,
		sqliteBusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY between the table groups
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// CreateTables creates the tables if they do not exist.
func (b *SQLiteBackend) CreateTables(ctx context.Context, tables []Table) error {
	for _, table := range tables {
		if !table.valid() {
			return fmt.Errorf("%w: %d", ErrUnknownTable, table)
		}

		statement := "CREATE TABLE IF NOT EXISTS " + table.Name() +
			" (key TEXT PRIMARY KEY, value TEXT, updated_at TEXT DEFAULT CURRENT_TIMESTAMP)"

		if _, err := b.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name(), err)
		}
	}

	return nil
}

// ReadAll returns every row of table.
func (b *SQLiteBackend) ReadAll(ctx context.Context, table Table) ([]Row, error) {
	if !table.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	return b.query(ctx, "SELECT key, value FROM "+table.Name())
}

// Read returns the rows of table whose keys are in keys.
func (b *SQLiteBackend) Read(ctx context.Context, table Table, keys []string) ([]Row, error) {
	if !table.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	var rows []Row

	for chunk := range slices.Chunk(keys, maxRowsPerStatement) {
		statement := "SELECT key, value FROM " + table.Name() +
			" WHERE key IN (" + placeholders(len(chunk), "?") + ")"

		found, err := b.query(ctx, statement, stringArgs(chunk)...)
		if err != nil {
			return nil, err
		}

		rows = append(rows, found...)
	}

	return rows, nil
}

// Upsert writes rows in one transaction, refreshing updated_at on every row.
func (b *SQLiteBackend) Upsert(ctx context.Context, table Table, rows []Row) error {
	if !table.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	return b.inTx(ctx, func(tx *sql.Tx) error {
		for chunk := range slices.Chunk(rows, maxRowsPerStatement) {
			statement := "INSERT INTO " + table.Name() + " (key, value, updated_at) VALUES " +
				placeholders(len(chunk), "(?, ?, datetime('now'))") +
				" ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at"

			args := make([]any, 0, len(chunk)*2)
			for _, row := range chunk {
				args = append(args, row.Key, row.Value)
			}

			if _, err := tx.ExecContext(ctx, statement, args...); err != nil {
				return fmt.Errorf("failed to upsert into %s: %w", table.Name(), err)
			}
		}

		return nil
	})
}

// Delete removes keys from table in one transaction.
func (b *SQLiteBackend) Delete(ctx context.Context, table Table, keys []string) error {
	if !table.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownTable, table)
	}

	return b.inTx(ctx, func(tx *sql.Tx) error {
		for chunk := range slices.Chunk(keys, maxRowsPerStatement) {
			statement := "DELETE FROM " + table.Name() +
				" WHERE key IN (" + placeholders(len(chunk), "?") + ")"

			if _, err := tx.ExecContext(ctx, statement, stringArgs(chunk)...); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table.Name(), err)
			}
		}

		return nil
	})
}

// Ping checks the database connection.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

func (b *SQLiteBackend) query(ctx context.Context, statement string, args ...any) ([]Row, error) {
	result, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}

	defer func() { _ = result.Close() }()

	var rows []Row

	for result.Next() {
		var (
			key   string
			value sql.NullString
		)

		if err := result.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rows = append(rows, Row{Key: key, Value: value.String})
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return rows, nil
}

func (b *SQLiteBackend) inTx(ctx context.Context, function func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := function(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// placeholders repeats group count times, comma separated.
func placeholders(count int, group string) string {
	return strings.TrimSuffix(strings.Repeat(group+", ", count), ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, value := range values {
		args[i] = value
	}

	return args
}
