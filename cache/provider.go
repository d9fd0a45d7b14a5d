package cache

import "fmt"

// Supported storage providers.
const (
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
	ProviderMemory  = "memory"
)

// New opens the storage for the given provider.
// For sqlite the path is the database file ("memory" selects an in-memory db),
// for leveldb it is the database directory; memory ignores it.
func New(provider, path string) (Storage, error) {
	switch provider {
	case ProviderSQLite, "":
		if path == "memory" {
			path = ""
		}
		return NewSQLiteStorage(path)
	case ProviderLevelDB:
		return NewLevelDBStorage(path)
	case ProviderMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", provider)
	}
}
