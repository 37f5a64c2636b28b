package storage

// Table identifies one of the two key/value tables.
type Table int

const (
	// Playback holds every key that is not a favorites key.
	Playback Table = iota

	// Favorites holds the favorites-list keys.
	Favorites
)

// favoriteKeys is the fixed set of keys routed to the favorites table.
//
//nolint:gochecknoglobals // Read-only after initialization
var favoriteKeys = map[string]struct{}{
	"favoriteSongs":        {},
	"currentFavoriteIndex": {},
	"favoritePlayMode":     {},
	"favoritePlaybackTime": {},
}

// TableFor routes a storage key to its table. Reads, writes and deletes all
// route through here so a key always round-trips through the same table.
func TableFor(key string) Table {
	if _, ok := favoriteKeys[key]; ok {
		return Favorites
	}

	return Playback
}

// Tables returns every table in a stable order.
func Tables() []Table {
	return []Table{Playback, Favorites}
}

// Name returns the table's storage name.
func (t Table) Name() string {
	switch t {
	case Playback:
		return PlaybackTableName
	case Favorites:
		return FavoritesTableName
	default:
		return "unknown"
	}
}

// String implements fmt.Stringer.
func (t Table) String() string {
	return t.Name()
}

// valid reports whether t is one of the known tables.
func (t Table) valid() bool {
	return t == Playback || t == Favorites
}

// groupKeys splits keys into per-table groups, preserving input order.
func groupKeys(keys []string) map[Table][]string {
	groups := make(map[Table][]string, len(Tables()))

	for _, key := range keys {
		table := TableFor(key)
		groups[table] = append(groups[table], key)
	}

	return groups
}

// groupRows splits rows into per-table groups.
func groupRows(rows []Row) map[Table][]Row {
	groups := make(map[Table][]Row, len(Tables()))

	for _, row := range rows {
		table := TableFor(row.Key)
		groups[table] = append(groups[table], row)
	}

	return groups
}
