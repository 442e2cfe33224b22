package bond

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/transport"
	"gopkg.in/yaml.v3"
)

// FileStore is a Store persisted to a single YAML file. The whole file is
// rewritten on every mutation; bond databases are tiny and rewriting keeps
// the format trivially recoverable.
type FileStore struct {
	path   string
	logger *logrus.Logger

	mu      sync.RWMutex
	records map[string]*Record
}

type fileFormat struct {
	Records []*Record `yaml:"records"`
}

// OpenFileStore loads (or creates) the YAML bond database at path.
func OpenFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		logger:  logger,
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bond database %q: %w", path, err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("failed to parse bond database %q: %w", path, err)
	}
	for _, rec := range ff.Records {
		s.records[rec.IdentityAddress.MAC] = rec
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"path":  path,
			"bonds": len(s.records),
		}).Debug("Loaded bond database")
	}
	return s, nil
}

func (s *FileStore) Load(identity transport.Addr) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identity.MAC]
	return rec, ok
}

func (s *FileStore) Save(identity transport.Addr, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[identity.MAC] = rec
	return s.flushLocked()
}

func (s *FileStore) Delete(identity transport.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[identity.MAC]; !ok {
		return nil
	}
	delete(s.records, identity.MAC)
	return s.flushLocked()
}

func (s *FileStore) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

func (s *FileStore) flushLocked() error {
	ff := fileFormat{Records: make([]*Record, 0, len(s.records))}
	for _, rec := range s.records {
		ff.Records = append(ff.Records, rec)
	}
	data, err := yaml.Marshal(&ff)
	if err != nil {
		return fmt.Errorf("failed to encode bond database: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write bond database %q: %w", s.path, err)
	}
	return nil
}
