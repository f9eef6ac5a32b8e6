/*
Package embedded implements the Metadata Cache's always-present backend
on top of go.etcd.io/bbolt.

Three buckets back the three logical maps the cache.Store capability
set needs (kv, hash, set). Hash and set entries are stored under
composite keys ("key\x00field" / "key\x00member") within their bucket,
keeping (key, field) and (key, member) unique the way a relational
schema would with a composite primary key.
*/
package embedded

import (
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/omnipkg/omnipkgd/pkg/cache"
	"github.com/omnipkg/omnipkgd/pkg/metrics"
	"github.com/omnipkg/omnipkgd/pkg/omnierr"
)

func count(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.CacheOpsTotal.WithLabelValues(op, outcome).Inc()
}

var (
	bucketKV   = []byte("kv")
	bucketHash = []byte("hash")
	bucketSet  = []byte("set")
)

const compositeSep = "\x00"

// BoltStore implements cache.Store on top of a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the embedded cache database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "omnipkg-meta.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, omnierr.Wrap(omnierr.CacheBackendError, "failed to open metadata cache", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKV, bucketHash, bucketSet} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, omnierr.Wrap(omnierr.CacheBackendError, "failed to initialize metadata cache schema", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v != nil {
			value = string(v)
		}
		return nil
	})
	count("get", err)
	if err != nil {
		return "", omnierr.Wrap(omnierr.CacheBackendError, "get failed", err)
	}
	return value, nil
}

func (s *BoltStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), []byte(value))
	})
	count("set", err)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "set failed", err)
	}
	return nil
}

func hashKey(key, field string) []byte {
	return []byte(key + compositeSep + field)
}

func (s *BoltStore) HGet(key, field string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHash).Get(hashKey(key, field))
		if v != nil {
			value = string(v)
		}
		return nil
	})
	count("hget", err)
	if err != nil {
		return "", omnierr.Wrap(omnierr.CacheBackendError, "hget failed", err)
	}
	return value, nil
}

func (s *BoltStore) HSet(key string, mapping map[string]string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHash)
		for field, value := range mapping {
			if err := b.Put(hashKey(key, field), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
	count("hset", err)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "hset failed", err)
	}
	return nil
}

func (s *BoltStore) HGetAll(key string) (map[string]string, error) {
	result := make(map[string]string)
	prefix := []byte(key + compositeSep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHash).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			field := strings.TrimPrefix(string(k), string(prefix))
			result[field] = string(v)
		}
		return nil
	})
	count("hgetall", err)
	if err != nil {
		return nil, omnierr.Wrap(omnierr.CacheBackendError, "hgetall failed", err)
	}
	return result, nil
}

func setKey(key, member string) []byte {
	return []byte(key + compositeSep + member)
}

func (s *BoltStore) SAdd(key string, members ...string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSet)
		for _, m := range members {
			if err := b.Put(setKey(key, m), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	count("sadd", err)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "sadd failed", err)
	}
	return nil
}

func (s *BoltStore) SMembers(key string) ([]string, error) {
	var members []string
	prefix := []byte(key + compositeSep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSet).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			members = append(members, strings.TrimPrefix(string(k), string(prefix)))
		}
		return nil
	})
	count("smembers", err)
	if err != nil {
		return nil, omnierr.Wrap(omnierr.CacheBackendError, "smembers failed", err)
	}
	return members, nil
}

func (s *BoltStore) Delete(keys ...string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, key := range keys {
			if err := tx.Bucket(bucketKV).Delete([]byte(key)); err != nil {
				return err
			}
			if err := deletePrefixed(tx.Bucket(bucketHash), key); err != nil {
				return err
			}
			if err := deletePrefixed(tx.Bucket(bucketSet), key); err != nil {
				return err
			}
		}
		return nil
	})
	count("delete", err)
	if err != nil {
		return omnierr.Wrap(omnierr.CacheBackendError, "delete failed", err)
	}
	return nil
}

func deletePrefixed(b *bolt.Bucket, key string) error {
	prefix := []byte(key + compositeSep)
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
		kc := append([]byte(nil), k...)
		toDelete = append(toDelete, kc)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Exists(key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketKV).Get([]byte(key)) != nil {
			found = true
			return nil
		}
		prefix := []byte(key + compositeSep)
		c := tx.Bucket(bucketHash).Cursor()
		if k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)) {
			found = true
		}
		return nil
	})
	count("exists", err)
	if err != nil {
		return false, omnierr.Wrap(omnierr.CacheBackendError, "exists failed", err)
	}
	return found, nil
}

func (s *BoltStore) Scan(prefix string) ([]string, error) {
	var keys []string
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			if !seen[string(k)] {
				seen[string(k)] = true
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	count("scan", err)
	if err != nil {
		return nil, omnierr.Wrap(omnierr.CacheBackendError, "scan failed", err)
	}
	return keys, nil
}

// Batch returns a no-op pipeline: every method commits immediately via
// the parent store, so callers observe identical semantics whether they
// batch their writes or not.
func (s *BoltStore) Batch() cache.Batch {
	return &boltBatch{store: s}
}

type boltBatch struct {
	store *BoltStore
}

func (b *boltBatch) Set(key, value string) error { return b.store.Set(key, value) }

func (b *boltBatch) HSet(key string, mapping map[string]string) error {
	return b.store.HSet(key, mapping)
}

func (b *boltBatch) SAdd(key string, members ...string) error { return b.store.SAdd(key, members...) }

func (b *boltBatch) Delete(keys ...string) error { return b.store.Delete(keys...) }

var _ cache.Store = (*BoltStore)(nil)
