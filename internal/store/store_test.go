package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juholehto/taskvault/internal/sync"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taskvault.db")

	s, err := Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestStore_EmptyDatabaseYieldsEmptyState(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	snap, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Entities)
	assert.True(t, snap.Modified.IsZero())

	idx, err := s.LoadIndex(context.Background())
	require.NoError(t, err)
	assert.Empty(t, idx.Entities)
	assert.Empty(t, idx.Deletions)
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	modified := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap := sync.NewSnapshot()
	snap.Modified = modified
	snap.Entities[sync.NewKey("tasks", "a")] = json.RawMessage(`{"title":"hello"}`)
	snap.Entities[sync.NewKey("lists", "b")] = json.RawMessage(`{"name":"inbox"}`)

	require.NoError(t, s.SaveSnapshot(context.Background(), snap))

	loaded, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)

	assert.Len(t, loaded.Entities, 2)
	assert.JSONEq(t, `{"title":"hello"}`, string(loaded.Entities[sync.NewKey("tasks", "a")]))
	assert.True(t, loaded.Modified.Equal(modified))
}

func TestStore_SaveSnapshotReplacesPreviousContents(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	first := sync.NewSnapshot()
	first.Entities[sync.NewKey("tasks", "old")] = json.RawMessage(`{}`)
	require.NoError(t, s.SaveSnapshot(context.Background(), first))

	second := sync.NewSnapshot()
	second.Entities[sync.NewKey("tasks", "new")] = json.RawMessage(`{}`)
	require.NoError(t, s.SaveSnapshot(context.Background(), second))

	loaded, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)

	assert.Len(t, loaded.Entities, 1)
	assert.Contains(t, loaded.Entities, sync.NewKey("tasks", "new"))
}

func TestStore_IndexRoundTripPreservesTombstones(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	entityTS := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	tombstoneTS := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	idx := sync.NewIndex()
	idx.RecordUpsert(sync.NewKey("tasks", "a"), entityTS)
	idx.RecordDeletion(sync.NewKey("tasks", "gone"), tombstoneTS)

	require.NoError(t, s.SaveIndex(context.Background(), idx))

	loaded, err := s.LoadIndex(context.Background())
	require.NoError(t, err)

	assert.True(t, loaded.Entities[sync.NewKey("tasks", "a")].Equal(entityTS))
	assert.True(t, loaded.Deletions[sync.NewKey("tasks", "gone")].Equal(tombstoneTS))
	assert.True(t, idx.Equal(loaded))
}

func TestStore_ReopenPersistsState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "taskvault.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(context.Background(), path, logger)
	require.NoError(t, err)

	snap := sync.NewSnapshot()
	snap.Entities[sync.NewKey("tasks", "a")] = json.RawMessage(`{"v":1}`)
	require.NoError(t, s.SaveSnapshot(context.Background(), snap))
	require.NoError(t, s.Close())

	reopened, err := Open(context.Background(), path, logger)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Contains(t, loaded.Entities, sync.NewKey("tasks", "a"))
}

func TestStore_MigrationsAreIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "taskvault.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := Open(context.Background(), path, logger)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Opening again re-runs the migration provider against an up-to-date
	// schema.
	s, err = Open(context.Background(), path, logger)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
