package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/cumin/pkg/executor"
)

func sampleRecord(id, requester string, startedAt time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ID:         id,
		Query:      "group:web",
		NodeCount:  3,
		Commands:   []string{"uptime"},
		Mode:       executor.ModeSync,
		Requester:  requester,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(time.Second),
		HostResults: []HostResult{
			{Host: "a", State: executor.StateSuccess},
			{Host: "b", State: executor.StateSuccess},
			{Host: "c", State: executor.StateFailed},
		},
		ExitCode: 0,
	}
}

// runStoreContract exercises the Store interface against any backend,
// so MemoryStore and SQLiteStore are held to the same behavior.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	r1 := sampleRecord("run-1", "alice", now.Add(-time.Hour))
	r2 := sampleRecord("run-2", "alice", now.Add(-time.Minute))
	r3 := sampleRecord("run-3", "bob", now)

	require.NoError(t, store.RecordExecution(ctx, r1))
	require.NoError(t, store.RecordExecution(ctx, r2))
	require.NoError(t, store.RecordExecution(ctx, r3))

	got, err := store.GetExecution(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Requester)
	assert.Equal(t, "group:web", got.Query)
	assert.Len(t, got.HostResults, 3)

	_, err = store.GetExecution(ctx, "missing")
	assert.Error(t, err)

	aliceRuns, err := store.ListExecutions(ctx, ListOptions{Requester: "alice"})
	require.NoError(t, err)
	assert.Len(t, aliceRuns, 2)
	assert.Equal(t, "run-2", aliceRuns[0].ID, "newest first")

	recent, err := store.ListExecutions(ctx, ListOptions{Since: now.Add(-90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := store.ListExecutions(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_Contract(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	runStoreContract(t, store)
}

func TestSQLiteStore_Contract(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()
	runStoreContract(t, store)
}

func TestNewStore_UnknownDriverRejected(t *testing.T) {
	_, err := NewStore(Config{Driver: "mongo"}, nil)
	assert.Error(t, err)
}

func TestNewStore_SqliteRequiresDSN(t *testing.T) {
	_, err := NewStore(Config{Driver: "sqlite"}, nil)
	assert.Error(t, err)
}

func TestNewStore_DefaultsToMemory(t *testing.T) {
	store, err := NewStore(Config{}, nil)
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}
