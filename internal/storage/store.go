// Package storage implements the key/value persistence plugins use for their data.
// The core never touches it directly; plugins reach it through their context.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one stored key/value pair
type Record struct {
	Key       string    `yaml:"key"`
	Value     string    `yaml:"value"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Criteria narrows a Query. An empty Prefix matches every key; Limit <= 0 means no limit.
type Criteria struct {
	Prefix string
	Limit  int
}

// Store is the persistence collaborator handed to plugins
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Put(ctx context.Context, key, value string) error
	Query(ctx context.Context, c Criteria) ([]Record, error)
}

// MemoryStore keeps records in memory only
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec.Value, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = Record{Key: key, Value: value, UpdatedAt: s.now().UTC()}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, c Criteria) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectRecords(s.records, c), nil
}

// selectRecords applies c to recs, ordered by key
func selectRecords(recs map[string]Record, c Criteria) []Record {
	out := make([]Record, 0)
	for key, rec := range recs {
		if strings.HasPrefix(key, c.Prefix) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out
}

// WithPrefix scopes s to the keys under prefix. Keys seen through the returned
// Store have the prefix removed.
func WithPrefix(s Store, prefix string) Store {
	return prefixed{inner: s, prefix: prefix}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p prefixed) Put(ctx context.Context, key, value string) error {
	return p.inner.Put(ctx, p.prefix+key, value)
}

func (p prefixed) Query(ctx context.Context, c Criteria) ([]Record, error) {
	c.Prefix = p.prefix + c.Prefix
	recs, err := p.inner.Query(ctx, c)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Key = strings.TrimPrefix(recs[i].Key, p.prefix)
	}
	return recs, nil
}
