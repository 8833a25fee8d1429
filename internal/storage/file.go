package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "wxnotice/pkg/logx"
)

// fileStore keeps all cursors in one JSON object {label: unix nanos}.
// Every write replaces the file through a temp file and rename.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	cursors map[string]int64
	closed  bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	cursors := map[string]int64{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(strings.TrimSpace(string(b))) > 0:
		if err := json.Unmarshal(b, &cursors); err != nil {
			return nil, fmt.Errorf("decode cursor file %s: %w", path, err)
		}
	}
	log.Debug("file cursor store opened", logx.String("path", path), logx.Int("cursors", len(cursors)))
	return &fileStore{log: log, path: path, cursors: cursors}, nil
}

func (s *fileStore) GetCursor(_ context.Context, label string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ns, ok := s.cursors[label]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ns), true, nil
}

func (s *fileStore) PutCursor(_ context.Context, label string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ns := t.UnixNano()
	if old, ok := s.cursors[label]; ok && old >= ns {
		return nil
	}

	next := make(map[string]int64, len(s.cursors)+1)
	for k, v := range s.cursors {
		next[k] = v
	}
	next[label] = ns
	if err := writeFileAtomic(s.path, next); err != nil {
		return err
	}
	s.cursors = next
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func writeFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
