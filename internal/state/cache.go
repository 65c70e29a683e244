package state

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var cacheBucket = []byte("prompt_cache")

// ResultCache is a bbolt-backed key-value store mapping a prompt hash to a
// previously observed response, with a TTL so stale entries age out.
// Mirrors the teacher's "embedded single-file store" idiom for its memory
// package while scoping down to the simple get/put this engine needs.
type ResultCache struct {
	db  *bbolt.DB
	ttl time.Duration
}

type cacheEntry struct {
	Response  string    `json:"response"`
	StoredAt  time.Time `json:"stored_at"`
}

// OpenResultCache opens (creating if absent) the cache file at path.
func OpenResultCache(path string, ttl time.Duration) (*ResultCache, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("state: open result cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: init result cache bucket: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{db: db, ttl: ttl}, nil
}

// Close releases the underlying database handle.
func (c *ResultCache) Close() error { return c.db.Close() }

// Put stores response under key, timestamped now.
func (c *ResultCache) Put(key, response string) error {
	entry := cacheEntry{Response: response, StoredAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), data)
	})
}

// Get returns the cached response for key if present and not expired.
func (c *ResultCache) Get(key string) (response string, ok bool) {
	_ = c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(cacheBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil
		}
		if time.Since(entry.StoredAt) > c.ttl {
			return nil
		}
		response, ok = entry.Response, true
		return nil
	})
	return response, ok
}

// Purge removes every entry whose TTL has elapsed. Call periodically from
// the auto-save timer to bound the bucket's size.
func (c *ResultCache) Purge() (removed int, err error) {
	err = c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry cacheEntry
			if json.Unmarshal(v, &entry) == nil && time.Since(entry.StoredAt) > c.ttl {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
