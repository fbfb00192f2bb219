package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DiskStore writes summaries as JSON files to a lazily-created temp
// directory. The directory belongs to this process and is removed by Close.
type DiskStore struct {
	mu  sync.Mutex
	dir string
}

// NewDiskStore creates a new DiskStore. The underlying temp directory
// is created lazily on the first Save.
func NewDiskStore() *DiskStore {
	return &DiskStore{}
}

// Save writes a summary as a JSON file to disk.
func (s *DiskStore) Save(sum *Summary) error {
	dir, err := s.ensureDir()
	if err != nil {
		return err
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshalling summary %s: %w", sum.ID, err)
	}
	path := filepath.Join(dir, sum.ID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing summary %s: %w", sum.ID, err)
	}
	return nil
}

// Load reads a summary from disk.
func (s *DiskStore) Load(runID string) (*Summary, error) {
	dir, err := s.ensureDir()
	if err != nil {
		return nil, err
	}
	if filepath.Base(runID) != runID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	data, err := os.ReadFile(filepath.Join(dir, runID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading summary %s: %w", runID, err)
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("unmarshalling summary %s: %w", runID, err)
	}
	return &sum, nil
}

// Close removes the directory and everything in it.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

func (s *DiskStore) ensureDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		return s.dir, nil
	}
	dir, err := os.MkdirTemp("", "cellrun-history-*")
	if err != nil {
		return "", fmt.Errorf("creating history directory: %w", err)
	}
	s.dir = dir
	return dir, nil
}
