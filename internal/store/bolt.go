package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/darmiel/cirrus/internal/core"
)

var _ Store = (*Bolt)(nil)

var (
	recordsBucket = []byte("installations")
	metaBucket    = []byte("meta")
	versionKey    = []byte("schema_version")
)

// Bolt stores records in a bolt database file. Bolt holds an exclusive file
// lock while the database is open, so only one process can use a file at a
// time; other processes wait up to LockTimeout when opening it.
type Bolt struct {
	path        string
	LockTimeout time.Duration

	mu     sync.Mutex
	db     *bolt.DB
	closed bool
}

func NewBolt(path string) *Bolt {
	return &Bolt{
		path:        path,
		LockTimeout: 5 * time.Second,
	}
}

func (s *Bolt) conn() (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.LockTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store '%s': %w", s.path, err)
	}
	if err := db.Update(migrateBolt); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

func migrateBolt(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return fmt.Errorf("creating meta bucket: %w", err)
	}
	if raw := meta.Get(versionKey); raw != nil {
		if v := binary.BigEndian.Uint32(raw); v > SchemaVersion {
			return fmt.Errorf("store schema version %d is newer than supported version %d", v, SchemaVersion)
		}
	}
	if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
		return fmt.Errorf("creating records bucket: %w", err)
	}
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, SchemaVersion)
	return meta.Put(versionKey, v)
}

func (s *Bolt) Get(ctx context.Context, key string) (*core.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var rec *core.IdentityRecord
	err = db.View(func(tx *bolt.Tx) error {
		var derr error
		rec, derr = decodeRecord(copyBytes(tx.Bucket(recordsBucket).Get([]byte(key))))
		return derr
	})
	return rec, err
}

func (s *Bolt) Set(ctx context.Context, key string, rec *core.IdentityRecord) error {
	_, err := s.Update(ctx, key, func(*core.IdentityRecord) (*core.IdentityRecord, error) {
		return rec, nil
	})
	return err
}

func (s *Bolt) Remove(ctx context.Context, key string) error {
	_, err := s.Update(ctx, key, func(*core.IdentityRecord) (*core.IdentityRecord, error) {
		return nil, nil
	})
	return err
}

func (s *Bolt) Update(ctx context.Context, key string, fn UpdateFunc) (*core.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var updated *core.IdentityRecord
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		old, err := decodeRecord(copyBytes(b.Get([]byte(key))))
		if err != nil {
			return err
		}
		if updated, err = fn(old); err != nil {
			return err
		}
		if updated == nil {
			return b.Delete([]byte(key))
		}
		raw, err := encodeRecord(updated)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

func (s *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(recordsBucket); err != nil {
			return fmt.Errorf("clearing store: %w", err)
		}
		_, err := tx.CreateBucket(recordsBucket)
		return err
	})
}

func (s *Bolt) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// bolt values are only valid for the life of the transaction
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cpy := make([]byte, len(b))
	copy(cpy, b)
	return cpy
}
