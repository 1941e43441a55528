package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"limitwatch/internal/monitor"
	logx "limitwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend: one JSON document
// mapping account id -> last notified snapshot, rewritten atomically
// (tmp + rename) on every commit. The document is small (a handful of
// accounts), so rewrite-on-commit is fine.
type fileStore struct {
	log  logx.Logger
	path string

	mu    sync.Mutex
	snaps map[string]monitor.Snapshot
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	snaps := map[string]monitor.Snapshot{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(b, &snaps); uerr != nil {
			// A corrupt baseline file means every account looks first-seen,
			// which at worst produces one extra notification per account.
			log.Warn("snapshot file unreadable, starting empty", logx.String("path", path), logx.Err(uerr))
			snaps = map[string]monitor.Snapshot{}
		}
	case errors.Is(err, os.ErrNotExist):
		// first run
	default:
		return nil, err
	}

	return &fileStore{log: log, path: path, snaps: snaps}, nil
}

func (s *fileStore) GetSnapshot(ctx context.Context, id string) (monitor.Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	return snap, ok, nil
}

func (s *fileStore) PutSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.snaps, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error { return nil }
