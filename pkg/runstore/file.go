package runstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/andrej220/goldenimage/pkg/persistence"
)

// FileStore writes <dir>/<runID>.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) (string, error) {
	if runID == "" || filepath.Base(runID) != runID {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID+".json"), nil
}

func (s *FileStore) Save(ctx context.Context, rec Record) error {
	p, err := s.path(rec.RunID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.get(p)
	switch {
	case err == nil:
		rec.Invocations = prev.Invocations + 1
	case errors.Is(err, ErrNotFound):
		rec.Invocations = 1
	default:
		return err
	}
	return persistence.WriteJSON(rec, p)
}

func (s *FileStore) Get(_ context.Context, runID string) (Record, error) {
	p, err := s.path(runID)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(p)
}

func (s *FileStore) get(p string) (Record, error) {
	var rec Record
	err := persistence.ReadJSON(p, &rec)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *FileStore) Close() error { return nil }
