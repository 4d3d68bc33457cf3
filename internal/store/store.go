// Package store is the durable key/value backend: named blobs written by the
// decryption engine, cached-asset records and license bookkeeping.
package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cdmhls/internal/models"

	"github.com/dgraph-io/badger/v4"
)

// Store wraps a badger database. Every write goes through a single mutex so
// callbacks from different components never interleave partial updates.
type Store struct {
	db *badger.DB
	mu sync.Mutex
}

// Open opens (or creates) the database under dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrStorage, dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a database that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorage, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Blobs returns the named-blob view of one storage domain. The key prefix
// carries the domain length, so no domain and name pair can alias another.
func (s *Store) Blobs(domain string) *BlobStore {
	return &BlobStore{s: s, prefix: "blob:" + strconv.Itoa(len(domain)) + ":" + domain + ":"}
}

func (s *Store) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrStorage, key, err)
	}
	return out, nil
}

func (s *Store) set(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrStorage, key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", models.ErrStorage, key, err)
	}
	return nil
}

// scan calls fn for every key with the given prefix.
func (s *Store) scan(prefix string, fn func(key string, val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(strings.TrimPrefix(string(item.Key()), prefix), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// BlobStore holds opaque named blobs for one domain. Names must not contain
// path separators.
type BlobStore struct {
	s      *Store
	prefix string
}

func (b *BlobStore) key(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: invalid blob name %q", models.ErrStorage, name)
	}
	return b.prefix + name, nil
}

// Read returns the blob stored under name, or models.ErrNotFound.
func (b *BlobStore) Read(name string) ([]byte, error) {
	key, err := b.key(name)
	if err != nil {
		return nil, err
	}
	return b.s.get(key)
}

func (b *BlobStore) Write(name string, data []byte) error {
	key, err := b.key(name)
	if err != nil {
		return err
	}
	return b.s.set(key, data)
}

func (b *BlobStore) Exists(name string) bool {
	_, err := b.Read(name)
	return err == nil
}

// Size returns the blob length in bytes.
func (b *BlobStore) Size(name string) (int64, error) {
	data, err := b.Read(name)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Remove deletes name. Removing a missing blob is not an error.
func (b *BlobStore) Remove(name string) error {
	key, err := b.key(name)
	if err != nil {
		return err
	}
	return b.s.delete(key)
}
