package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when operating on a cache that no longer exists,
// e.g. a put through a handle whose generation was deleted in the meantime.
var ErrNotFound = errors.New("cache not found")

// Storage is the set of named caches available to the worker.
// Each name is one cache generation; generations are created on Open
// and destroyed wholesale on Delete.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if it does not exist.
	Open(ctx context.Context, name string) (Cache, error)
	// Lookup returns the cache with the given name without creating it.
	// It returns ErrNotFound when there is no such cache.
	Lookup(ctx context.Context, name string) (Cache, error)
	// Has reports whether a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache together with all of its entries.
	// It reports whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all caches, in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases the underlying resources.
	Close() error
}

// Cache is a single named, flat store of responses keyed by request identity.
type Cache interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false when there is no such entry.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns the keys of all entries, in insertion order.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a stored response.
// Bytes holds the HTTP/1.1 wire representation of the response.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// DeleteAllExcept deletes every cache whose name differs from keep
// and returns the names that were deleted.
// Deletions run concurrently; all of them are awaited and the first error is returned.
func DeleteAllExcept(ctx context.Context, s Storage, keep string) ([]string, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var g errgroup.Group
	var deletedMu sync.Mutex
	var deleted []string
	for _, name := range names {
		if name == keep {
			continue
		}
		name := name
		g.Go(func() error {
			ok, err := s.Delete(ctx, name)
			if err != nil {
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			if ok {
				deletedMu.Lock()
				deleted = append(deleted, name)
				deletedMu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	sort.Strings(deleted)
	return deleted, err
}
