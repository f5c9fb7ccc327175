package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// Options configures a Storage.
type Options struct {
	Path         string        // Path is the database directory, ignored when InMemory is set
	InMemory     bool          // InMemory keeps everything in a memory filesystem
	SyncInterval time.Duration // SyncInterval is the WAL sync period, defaults to 100ms
}

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Storage is a key/value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// New opens the store at path.
func New(path string) (*Storage, error) {
	return Open(Options{Path: path})
}

// NewInMemory opens a store that lives only in memory.
func NewInMemory() (*Storage, error) {
	return Open(Options{InMemory: true})
}

// Open opens a store with opts.
func Open(opts Options) (*Storage, error) {
	pOpts := &pebble.Options{
		Cache:                       pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize:                4 << 20,                  // 4 MB memtable
		MemTableStopWritesThreshold: 2,
	}
	defer pOpts.Cache.Unref()

	path := opts.Path
	if opts.InMemory {
		pOpts.FS = vfs.NewMem()
		path = ""
	} else if path == "" {
		return nil, fmt.Errorf("storage path is empty")
	}

	db, err := pebble.Open(path, pOpts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q:\n%w", path, err)
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	interval := opts.SyncInterval
	if interval <= 0 {
		interval = defaultSyncInterval
	}

	s.startSyncLoop(interval)

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// The value is invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	v, err := s.Get(key)
	return v != nil, err
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically stores multiple key-value pairs.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	batch := s.db.NewBatch()

	var errs []error
	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(append(errs, batch.Close())...)
	}

	if err := batch.Commit(pebble.NoSync); err != nil {
		return errors.Join(err, batch.Close())
	}

	return batch.Close()
}

// IteratePrefix calls fn for each key-value pair with the given prefix,
// in lexicographic key order. An error from fn stops the scan.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// LastWithPrefix returns the largest key with prefix and its value.
// Both are nil when no key matches.
func (s *Storage) LastWithPrefix(prefix []byte) ([]byte, []byte, error) {
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, nil, iter.Error()
	}

	value, err := iter.ValueAndErr()
	if err != nil {
		return nil, nil, err
	}

	key := append([]byte(nil), iter.Key()...)
	return key, append([]byte(nil), value...), nil
}

// prefixBounds returns iterator bounds covering exactly prefix.
func prefixBounds(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync goroutine and closes the database
// after a final sync.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return errors.Join(err, s.db.Close())
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
