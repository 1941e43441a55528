package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"limitwatch/internal/monitor"
	logx "limitwatch/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	account_id        TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	limited           INTEGER NOT NULL DEFAULT 0,
	limited_at        TEXT,
	minutes_remaining INTEGER NOT NULL DEFAULT 0,
	requests          INTEGER NOT NULL DEFAULT 0,
	tokens            INTEGER NOT NULL DEFAULT 0,
	observed_at       TEXT NOT NULL
);
`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, id string) (monitor.Snapshot, bool, error) {
	var (
		snap       monitor.Snapshot
		limited    int
		limitedAt  sql.NullString
		observedAt string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, name, limited, limited_at, minutes_remaining, requests, tokens, observed_at
		 FROM snapshots WHERE account_id = ?`, id)
	err := row.Scan(&snap.ID, &snap.Name, &limited, &limitedAt, &snap.MinutesRemaining, &snap.Requests, &snap.Tokens, &observedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Snapshot{}, false, nil
	}
	if err != nil {
		return monitor.Snapshot{}, false, err
	}
	snap.Limited = limited != 0
	if limitedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, limitedAt.String); perr == nil {
			snap.LimitedAt = &t
		}
	}
	if t, perr := time.Parse(time.RFC3339Nano, observedAt); perr == nil {
		snap.ObservedAt = t
	}
	return snap, true, nil
}

func (s *sqliteStore) PutSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	var limitedAt any
	if snap.LimitedAt != nil {
		limitedAt = snap.LimitedAt.UTC().Format(time.RFC3339Nano)
	}
	limited := 0
	if snap.Limited {
		limited = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(account_id, name, limited, limited_at, minutes_remaining, requests, tokens, observed_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
			name=excluded.name,
			limited=excluded.limited,
			limited_at=excluded.limited_at,
			minutes_remaining=excluded.minutes_remaining,
			requests=excluded.requests,
			tokens=excluded.tokens,
			observed_at=excluded.observed_at`,
		snap.ID, snap.Name, limited, limitedAt, snap.MinutesRemaining, snap.Requests, snap.Tokens,
		snap.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
