package storage

import (
	"errors"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// badgerKV implements backend with Badger DB. Buckets are key prefixes.
type badgerKV struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger-backed Store at path. An empty path opens
// an in-memory database.
func NewBadgerStore(path string, log *zap.Logger) (Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 26)
	}
	opts.Logger = nil
	if log != nil {
		opts.Logger = badgerLogger{log.Named("badger").Sugar()}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &directory{kv: &badgerKV{db: db}}, nil
}

func badgerKey(bucket, key string) []byte {
	return []byte(bucket + ":" + key)
}

func (s *badgerKV) view(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(bucket, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *badgerKV) update(bucket, key string, fn func(old []byte) ([]byte, error)) error {
	k := badgerKey(bucket, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		var old []byte
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if old, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		return txn.Set(k, next)
	})
	// A concurrent transaction touched the same key between our read and
	// commit; to the caller that is the same as a stale etag.
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (s *badgerKV) remove(bucket, key string) error {
	k := badgerKey(bucket, key)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(k)
	})
}

func (s *badgerKV) scan(bucket string, fn func(key string, value []byte) error) error {
	prefix := []byte(bucket + ":")
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(strings.TrimPrefix(string(item.Key()), string(prefix)), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerKV) close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's printf-style logging into zap. Badger's
// info output is chatty, so it is demoted to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(strings.TrimSpace(f), v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(strings.TrimSpace(f), v...) }
