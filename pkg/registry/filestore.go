package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const fileFormatVersion = 1

// document is the on-disk layout of a FileStore.
type document struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Plugins   map[string]*Record `json:"plugins"`
}

// FileStore persists the registry as a single JSON document. Every write
// replaces the whole document atomically and keeps the previous one as
// <path>.bak.
type FileStore struct {
	path   string
	logger *logrus.Logger

	mu      sync.Mutex
	records map[string]*Record
}

// NewFileStore creates a store backed by path
func NewFileStore(path string, logger *logrus.Logger) *FileStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &FileStore{
		path:    path,
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// Path returns the registry document path
func (s *FileStore) Path() string {
	return s.path
}

// BackupPath returns the path of the previous document
func (s *FileStore) BackupPath() string {
	return s.path + ".bak"
}

// Load reads the document, falling back to the backup when the primary is
// unreadable.
func (s *FileStore) Load(ctx context.Context) (map[string]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records, err := readDocument(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).Warnf("Registry %s is unreadable, trying backup", s.path)
		var berr error
		records, berr = readDocument(s.BackupPath())
		if berr != nil {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
	} else if err != nil {
		records = make(map[string]*Record)
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	out := make(map[string]*Record, len(records))
	for name, rec := range records {
		out[name] = rec.Clone()
	}
	return out, nil
}

func readDocument(path string) (map[string]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt registry document %s: %w", path, err)
	}
	if doc.Version > fileFormatVersion {
		return nil, fmt.Errorf("registry document %s has unsupported version %d", path, doc.Version)
	}
	if doc.Plugins == nil {
		doc.Plugins = make(map[string]*Record)
	}
	for name, rec := range doc.Plugins {
		if rec == nil || rec.Manifest == nil {
			return nil, fmt.Errorf("registry document %s has an empty record for %q", path, name)
		}
	}
	return doc.Plugins, nil
}

// Save upserts one record
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*Record, len(s.records)+1)
	for name, r := range s.records {
		next[name] = r
	}
	next[rec.Name()] = rec.Clone()
	return s.commit(next)
}

// Delete removes one record
func (s *FileStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[name]; !ok {
		return nil
	}
	next := make(map[string]*Record, len(s.records))
	for n, r := range s.records {
		if n != name {
			next[n] = r
		}
	}
	return s.commit(next)
}

// commit writes next and adopts it only once it is durable.
func (s *FileStore) commit(next map[string]*Record) error {
	data, err := json.MarshalIndent(document{
		Version:   fileFormatVersion,
		UpdatedAt: time.Now().UTC(),
		Plugins:   next,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	if err := s.backup(); err != nil {
		s.logger.WithError(err).Warn("Failed to back up registry")
	}
	if err := writeFileAtomic(s.path, data, 0644); err != nil {
		return err
	}
	s.records = next
	return nil
}

func (s *FileStore) backup() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return writeFileAtomic(s.BackupPath(), data, 0644)
}

// Names returns the persisted plugin names
func (s *FileStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close is a no-op
func (s *FileStore) Close() error {
	return nil
}
