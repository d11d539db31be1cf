package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string, updated time.Time) Record {
	return Record{
		RunID:     id,
		Mode:      "PIPELINE_BASE_TO_GIWA",
		Account:   "0x00000000000000000000000000000000000000a1",
		Stage:     "CCTP_BURN",
		Status:    "running",
		Completed: []string{"CCTP_BURN"},
		Data:      map[string]string{"burnTx": "0xabc"},
		Intent:    json.RawMessage(`{"mode":"PIPELINE_BASE_TO_GIWA","amount":"1000"}`),
		StartedAt: updated.Add(-time.Minute).UTC().Truncate(time.Microsecond),
		UpdatedAt: updated.UTC().Truncate(time.Microsecond),
	}
}

// exercise runs the shared Store contract
func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	first := testRecord("run-1", now.Add(-time.Hour))
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, testRecord("run-2", now)))

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, first.Mode, got.Mode)
	assert.Equal(t, first.Completed, got.Completed)
	assert.Equal(t, first.Data, got.Data)
	assert.JSONEq(t, string(first.Intent), string(got.Intent))
	assert.True(t, got.Done("CCTP_BURN"))
	assert.False(t, got.Done("CCTP_RECEIVE"))

	// updates replace the record
	first.Completed = append(first.Completed, "CCTP_EXTRACT")
	first.Data["messageHash"] = "0xdef"
	first.Status = "failed"
	first.Error = "boom"
	require.NoError(t, store.Save(ctx, first))

	got, err = store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, []string{"CCTP_BURN", "CCTP_EXTRACT"}, got.Completed)
	assert.Equal(t, "0xdef", got.Data["messageHash"])

	records, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(records), 2)
	assert.Equal(t, "run-2", records[0].RunID, "newest first")

	records, err = store.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemoryStore())
}

func TestMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := testRecord("run-1", time.Now())
	require.NoError(t, store.Save(ctx, rec))

	rec.Data["burnTx"] = "mutated"
	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.Data["burnTx"])
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal", "runs.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)
	exercise(t, store)

	_, err = os.Stat(path)
	require.NoError(t, err, "expected file on disk")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file is renamed")

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := reopened.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
}

func TestOpen(t *testing.T) {
	store, err := Open(context.Background(), config.JournalConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(context.Background(), config.JournalConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "j.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = Open(context.Background(), config.JournalConfig{Backend: "postgres"})
	assert.Error(t, err, "empty dsn")

	_, err = Open(context.Background(), config.JournalConfig{Backend: "sqlite"})
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("JOURNAL_TEST_DSN")
	if dsn == "" {
		t.Skip("JOURNAL_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.pool.Exec(ctx, `DELETE FROM giwa_runs WHERE run_id IN ('run-1', 'run-2')`)
	require.NoError(t, err)
	exercise(t, store)
}
