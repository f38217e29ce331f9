package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const storeFile = "store.yaml"

// FileStore keeps every record in one YAML document inside the data directory.
// The whole document is rewritten on each Put, so it suits small bots; writers
// on hot paths should batch.
type FileStore struct {
	path    string
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// fileDocument is the on-disk layout
type fileDocument struct {
	Records []Record `yaml:"records"`
}

// OpenFileStore loads the store file from dataDir, creating the directory if needed.
// A missing file is an empty store.
func OpenFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, oops.Code("STORAGE_OPEN").With("dir", dataDir).Wrap(err)
	}

	s := &FileStore{
		path:    filepath.Join(dataDir, storeFile),
		records: make(map[string]Record),
		now:     time.Now,
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, oops.Code("STORAGE_OPEN").With("path", s.path).Wrap(err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Code("STORAGE_CORRUPT").With("path", s.path).Wrapf(err, "failed to parse store file")
	}
	for _, rec := range doc.Records {
		s.records[rec.Key] = rec
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec.Value, ok, nil
}

func (s *FileStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.records[key]
	s.records[key] = Record{Key: key, Value: value, UpdatedAt: s.now().UTC()}

	if err := s.save(); err != nil {
		// keep memory and disk in step
		if existed {
			s.records[key] = prev
		} else {
			delete(s.records, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Query(_ context.Context, c Criteria) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectRecords(s.records, c), nil
}

// save writes to a temp file and renames it over the store file. Caller holds mu.
func (s *FileStore) save() error {
	doc := fileDocument{Records: selectRecords(s.records, Criteria{})}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return oops.Code("STORAGE_WRITE").Wrap(err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return oops.Code("STORAGE_WRITE").With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return oops.Code("STORAGE_WRITE").With("path", s.path).Wrap(err)
	}
	return nil
}
