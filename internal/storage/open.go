package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"limitwatch/internal/monitor"
	logx "limitwatch/pkg/logx"
)

// Config configures snapshot persistence.
//
// If Driver is empty, the in-memory backend is used.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the snapshot persistence API consumed by the change detector.
//
// Implementations must provide read-your-writes consistency within a process.
type Store interface {
	GetSnapshot(ctx context.Context, id string) (monitor.Snapshot, bool, error)
	PutSnapshot(ctx context.Context, snap monitor.Snapshot) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
