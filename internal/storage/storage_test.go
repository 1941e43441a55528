package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitwatch/internal/monitor"
	logx "limitwatch/pkg/logx"
)

func sample(id string, limited bool) monitor.Snapshot {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := monitor.Snapshot{
		ID:               id,
		Name:             "acct-" + id,
		Limited:          limited,
		MinutesRemaining: 42,
		Requests:         100,
		Tokens:           5000,
		ObservedAt:       at,
	}
	if limited {
		la := at.Add(-10 * time.Minute)
		snap.LimitedAt = &la
	}
	return snap
}

func roundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := store.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	want := sample("a", true)
	require.NoError(t, store.PutSnapshot(ctx, want))

	got, found, err := store.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Limited, got.Limited)
	assert.Equal(t, want.MinutesRemaining, got.MinutesRemaining)
	assert.Equal(t, want.Requests, got.Requests)
	assert.Equal(t, want.Tokens, got.Tokens)
	require.NotNil(t, got.LimitedAt)
	assert.True(t, got.LimitedAt.Equal(*want.LimitedAt))
	assert.True(t, got.ObservedAt.Equal(want.ObservedAt))

	// overwrite is an upsert, not a duplicate
	second := sample("a", false)
	require.NoError(t, store.PutSnapshot(ctx, second))
	got, found, err = store.GetSnapshot(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, got.Limited)
	assert.Nil(t, got.LimitedAt)
}

func TestMemoryRoundTrip(t *testing.T) {
	roundTrip(t, NewMemory())
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	store, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	roundTrip(t, store)
}

func TestFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")

	store, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, store.PutSnapshot(context.Background(), sample("a", true)))
	require.NoError(t, store.Close())

	store, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	got, found, err := store.GetSnapshot(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Limited)
}

func TestFileCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{not json"), 0o600))

	store, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.GetSnapshot(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limitwatch.db")
	store, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	roundTrip(t, store)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limitwatch.db")

	store, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, store.PutSnapshot(context.Background(), sample("a", true)))
	require.NoError(t, store.Close())

	store, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	got, found, err := store.GetSnapshot(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Limited)
	require.NotNil(t, got.LimitedAt)
}

func TestOpenDriverDispatch(t *testing.T) {
	for _, driver := range []string{"", "none", "memory"} {
		store, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err, driver)
		require.NoError(t, store.Close())
	}

	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err, "file driver requires a path")
}
