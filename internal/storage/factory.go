package storage

import "commgame/internal/model"

const (
	KindMemory = "memory"
	KindSQLite = "sqlite"

	DefaultStoreKind = KindMemory
)

// NewStore returns an uninitialised store of the named backend. The sqlite
// backend needs a path and a binary built with -tags sqlite.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		if sqlitePath == "" {
			return nil, model.ConfigErrorf("db_path", "sqlite store needs a database path")
		}
		return newSQLiteStore(sqlitePath)
	default:
		return nil, model.ConfigErrorf("store", "unsupported store backend %q", kind)
	}
}

// CloseIfSupported closes stores that hold a connection.
func CloseIfSupported(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
