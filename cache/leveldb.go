package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<name>            -> levelMeta of the cache
//	e:<name>\x00<key>   -> levelEntry
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	entrySep    = "\x00"
)

type levelMeta struct {
	Seq uint64
}

type levelEntry struct {
	Seq      uint64
	StoredAt int64 // unix nanoseconds
	Bytes    []byte
}

// LevelDBStorage keeps all cache generations in one LevelDB database,
// separated by key prefix.
type LevelDBStorage struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

// NewLevelDBStorage opens (or creates) the LevelDB database at path.
func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	s := &LevelDBStorage{db: db}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// loadSeq restores the ordering counter from the highest sequence on disk.
func (s *LevelDBStorage) loadSeq() error {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		var seq uint64
		switch {
		case bytes.HasPrefix(it.Key(), []byte(namePrefix)):
			var meta levelMeta
			if err := decodeGob(it.Value(), &meta); err != nil {
				continue
			}
			seq = meta.Seq
		case bytes.HasPrefix(it.Key(), []byte(entryPrefix)):
			var ent levelEntry
			if err := decodeGob(it.Value(), &ent); err != nil {
				continue
			}
			seq = ent.Seq
		}
		if seq > s.seq {
			s.seq = seq
		}
	}
	return it.Error()
}

func (s *LevelDBStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(namePrefix+name), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.seq++
		b, err := encodeGob(levelMeta{Seq: s.seq})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(namePrefix+name), b, nil); err != nil {
			return nil, err
		}
	}
	return &levelCache{storage: s, name: name}, nil
}

func (s *LevelDBStorage) Lookup(ctx context.Context, name string) (Cache, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return &levelCache{storage: s, name: name}, nil
}

func (s *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.db.Has([]byte(namePrefix+name), nil)
}

func (s *LevelDBStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has([]byte(namePrefix+name), nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(namePrefix + name))
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+entrySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDBStorage) Keys(ctx context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	items := make([]named, 0)
	for it.Next() {
		var meta levelMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		items = append(items, named{
			name: string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))),
			seq:  meta.Seq,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].seq < items[j].seq
	})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.name)
	}
	return out, nil
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

type levelCache struct {
	storage *LevelDBStorage
	name    string
}

func (c *levelCache) Name() string {
	return c.name
}

func (c *levelCache) entryKey(key string) []byte {
	return []byte(entryPrefix + c.name + entrySep + key)
}

func (c *levelCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	b, err := c.storage.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent levelEntry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return Entry{
		Key:      key,
		StoredAt: time.Unix(0, ent.StoredAt),
		Bytes:    ent.Bytes,
	}, true, nil
}

func (c *levelCache) Put(ctx context.Context, entry Entry) error {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	ok, err := c.storage.db.Has([]byte(namePrefix+c.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.name)
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	c.storage.seq++
	b, err := encodeGob(levelEntry{
		Seq:      c.storage.seq,
		StoredAt: entry.StoredAt.UnixNano(),
		Bytes:    entry.Bytes,
	})
	if err != nil {
		return err
	}
	return c.storage.db.Put(c.entryKey(entry.Key), b, nil)
}

func (c *levelCache) Delete(ctx context.Context, key string) (bool, error) {
	c.storage.mu.Lock()
	defer c.storage.mu.Unlock()
	ok, err := c.storage.db.Has(c.entryKey(key), nil)
	if err != nil || !ok {
		return false, err
	}
	return true, c.storage.db.Delete(c.entryKey(key), nil)
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	type seqKey struct {
		key string
		seq uint64
	}
	prefix := []byte(entryPrefix + c.name + entrySep)
	it := c.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	items := make([]seqKey, 0)
	for it.Next() {
		var ent levelEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		items = append(items, seqKey{
			key: string(bytes.TrimPrefix(it.Key(), prefix)),
			seq: ent.Seq,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].seq < items[j].seq
	})
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.key)
	}
	return out, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
