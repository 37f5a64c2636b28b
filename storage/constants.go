package storage

import (
	"errors"
	"time"
)

// Table names. These are also the SQL table names and the badger key prefixes.
const (
	// PlaybackTableName holds general playback state.
	PlaybackTableName = "playback_store"

	// FavoritesTableName holds favorites-list state.
	FavoritesTableName = "favorites_store"
)

// Configuration constants.
const (
	// SQLiteFileName is the database file created under the data path.
	SQLiteFileName = "solara.db"

	// BadgerSubdir is the directory created under the data path for badger.
	BadgerSubdir = "db"

	// sqliteBusyTimeout bounds how long a writer waits on a locked database.
	sqliteBusyTimeout = 5 * time.Second

	// maxRowsPerStatement keeps batched statements under SQLite's bound
	// variable limit.
	maxRowsPerStatement = 500

	// dirPermissions is the mode used for data directories.
	dirPermissions = 0o755

	// DefaultGCThreshold is the badger value log discard ratio for RunGC.
	DefaultGCThreshold = 0.5

	// badgerKeySeparator joins a table prefix and a storage key.
	badgerKeySeparator = ":"
)

// Storage errors.
var (
	// ErrInvalidPayload is returned when a write or delete body is not the
	// expected JSON shape.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownTable is returned when a backend is asked about a table it
	// does not manage.
	ErrUnknownTable = errors.New("unknown table")
)
