package store

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/darmiel/cirrus/internal/core"
)

var _ Store = (*Memory)(nil)

// Memory keeps records in process memory. Records never expire.
type Memory struct {
	mu     sync.Mutex
	c      *gocache.Cache
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		c: gocache.New(gocache.NoExpiration, 0),
	}
}

func (s *Memory) Get(_ context.Context, key string) (*core.IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.load(key), nil
}

func (s *Memory) Set(_ context.Context, key string, rec *core.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.c.Set(key, rec.Clone(), gocache.NoExpiration)
	return nil
}

func (s *Memory) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.c.Delete(key)
	return nil
}

func (s *Memory) Update(ctx context.Context, key string, fn UpdateFunc) (*core.IdentityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	updated, err := fn(s.load(key))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		s.c.Delete(key)
		return nil, nil
	}
	s.c.Set(key, updated.Clone(), gocache.NoExpiration)
	return updated.Clone(), nil
}

func (s *Memory) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.c.Flush()
	return nil
}

// Len returns the number of stored records.
func (s *Memory) Len() int {
	return s.c.ItemCount()
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// load must be called with mu held.
func (s *Memory) load(key string) *core.IdentityRecord {
	v, ok := s.c.Get(key)
	if !ok {
		return nil
	}
	rec, _ := v.(*core.IdentityRecord)
	return rec.Clone()
}
