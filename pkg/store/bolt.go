package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of a single bbolt database file, with
// one top-level bucket per namespace, created on first use.
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "helium.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) bucket(tx *bolt.Tx, ns string, create bool) (*bolt.Bucket, error) {
	name := []byte(ns)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	return tx.Bucket(name), nil
}

// Get implements Store.
func (s *BoltStore) Get(ns, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns, false)
		if err != nil || b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set implements Store.
func (s *BoltStore) Set(ns, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns, true)
		if err != nil {
			return fmt.Errorf("open bucket %s: %w", ns, err)
		}
		return b.Put([]byte(key), value)
	})
}

// Delete implements Store.
func (s *BoltStore) Delete(ns, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns, false)
		if err != nil || b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Has implements Store.
func (s *BoltStore) Has(ns, key string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns, false)
		if err != nil || b == nil {
			return nil
		}
		found = b.Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// ListPrefix implements Store.
func (s *BoltStore) ListPrefix(ns, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ns, false)
		if err != nil || b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
