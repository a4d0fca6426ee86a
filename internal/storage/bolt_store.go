package storage

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltKV implements backend with a single bbolt file, one bucket per
// collection.
type boltKV struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt-backed Store at path.
func NewBoltStore(path string) (Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ServersBucket, JobsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &directory{kv: &boltKV{db: db}}, nil
}

func (s *boltKV) bucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", name)
	}
	return b, nil
}

func (s *boltKV) view(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

func (s *boltKV) update(bucket, key string, fn func(old []byte) ([]byte, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		next, err := fn(b.Get([]byte(key)))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), next)
	})
}

func (s *boltKV) remove(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltKV) scan(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), bytes.Clone(v))
		})
	})
}

func (s *boltKV) close() error {
	return s.db.Close()
}
