package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/db"
	"github.com/taskmesh/taskmesh/internal/db/dialect"
	"github.com/taskmesh/taskmesh/internal/task/models"
)

func newTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	store, err := NewSQLStore(openTestPool(t, dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openTestPool(t *testing.T, dbPath string) *db.Pool {
	t.Helper()
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	return db.NewPool(
		sqlx.NewDb(writer, dialect.SQLite3),
		sqlx.NewDb(reader, dialect.SQLite3),
	)
}

func TestSQLStore_RoundTrip(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	seed := int64(42)
	created, err := s.Create(ctx, "summarize the report", CreateOptions{
		AgentID:         "research-agent",
		AgentVersion:    "1.0.0",
		SelectionReason: "inferred from input",
		ConversationID:  "conv-9",
		Decision: &models.AgentDecision{
			Candidates: []string{"research-agent", "web-dev-agent"},
			Scores:     map[string]float64{"research-agent": 0.9, "web-dev-agent": 0.2},
		},
		Generation: &models.GenerationConfig{
			Mode:        models.GenerationDeterministic,
			Temperature: 0.1,
			MaxTokens:   2048,
			Seed:        &seed,
		},
		SystemMode: models.SystemModeAutonomous,
		MultiAgent: true,
		Metadata:   map[string]interface{}{"origin": "api"},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, "summarize the report", got.Input)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "research-agent", got.AgentID)
	assert.Equal(t, "inferred from input", got.SelectionReason)
	assert.Equal(t, "conv-9", got.ConversationID)
	assert.Equal(t, models.SystemModeAutonomous, got.SystemMode)
	assert.True(t, got.MultiAgent)
	require.NotNil(t, got.Decision)
	assert.Equal(t, []string{"research-agent", "web-dev-agent"}, got.Decision.Candidates)
	assert.InDelta(t, 0.9, got.Decision.Scores["research-agent"], 1e-9)
	require.NotNil(t, got.Generation)
	assert.Equal(t, models.GenerationDeterministic, got.Generation.Mode)
	require.NotNil(t, got.Generation.Seed)
	assert.Equal(t, int64(42), *got.Generation.Seed)
	assert.Equal(t, "api", got.Metadata["origin"])
	assert.False(t, got.StartedAt.IsZero())
	assert.Nil(t, got.CompletedAt)

	failed := models.StatusFailed
	_, err = s.Update(ctx, created.ID, Patch{
		Status: &failed,
		Error: &models.ErrorInfo{
			Message:     "model timed out",
			Code:        "TIMEOUT",
			FailedLayer: models.LayerModel,
			Suggestions: []string{"retry with a longer timeout"},
		},
		InvolvedAgents: []string{"research-agent"},
	})
	require.NoError(t, err)

	got, err = s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "model timed out", got.Error.Message)
	assert.Equal(t, models.LayerModel, got.Error.FailedLayer)
	assert.Equal(t, []string{"retry with a longer timeout"}, got.Error.Suggestions)
	assert.Equal(t, []string{"research-agent"}, got.InvolvedAgents)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(got.StartedAt))
}

func TestSQLStore_CreateReplacesExistingID(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "first", CreateOptions{ID: "task-1", AgentID: "web-dev-agent"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "second", CreateOptions{ID: "task-1", AgentID: "research-agent"})
	require.NoError(t, err)

	got, err := s.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Input)
	assert.Equal(t, "research-agent", got.AgentID)

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLStore_GetNotFound(t *testing.T) {
	s := newTestSQLStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = s.Update(context.Background(), "nope", Patch{})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLStore_QueryFilters(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "build the dashboard", CreateOptions{ID: "a", AgentID: "web-dev-agent", ConversationID: "conv-1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Create(ctx, "research the market", CreateOptions{ID: "b", AgentID: "research-agent", ConversationID: "conv-1"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Create(ctx, "review the plan", CreateOptions{ID: "c", AgentID: "system-agent", ConversationID: "conv-2"})
	require.NoError(t, err)

	done := models.StatusCompleted
	_, err = s.Update(ctx, "b", Patch{Status: &done})
	require.NoError(t, err)

	byStatus, err := s.Query(ctx, Filter{Status: models.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "b", byStatus[0].ID)

	byConversation, err := s.Query(ctx, Filter{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Len(t, byConversation, 2)

	bySearch, err := s.Query(ctx, Filter{Search: "dashboard"})
	require.NoError(t, err)
	require.Len(t, bySearch, 1)
	assert.Equal(t, "a", bySearch[0].ID)

	// Default sort is newest first; limit and offset page through it.
	newest, err := s.Query(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "c", newest[0].ID)

	offset, err := s.Query(ctx, Filter{Offset: 1})
	require.NoError(t, err)
	require.Len(t, offset, 2)
	assert.Equal(t, "b", offset[0].ID)
	assert.Equal(t, "a", offset[1].ID)

	oldestFirst, err := s.Query(ctx, Filter{SortOrder: "asc", Limit: 1})
	require.NoError(t, err)
	require.Len(t, oldestFirst, 1)
	assert.Equal(t, "a", oldestFirst[0].ID)
}

func TestSQLStore_RetryLineage(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	original, err := s.Create(ctx, "flaky work", CreateOptions{AgentID: "web-dev-agent", ConversationID: "conv-1"})
	require.NoError(t, err)

	first, err := s.CreateRetry(ctx, original.ID, nil)
	require.NoError(t, err)
	assert.True(t, first.IsRetry)
	assert.Equal(t, original.ID, first.OriginalTaskID)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, "conv-1", first.ConversationID)

	newInput := "fixed work"
	second, err := s.CreateRetry(ctx, first.ID, &newInput)
	require.NoError(t, err)
	assert.Equal(t, "fixed work", second.Input)
	assert.Equal(t, 2, second.RetryCount)

	chain, err := s.RetryChain(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, original.ID, chain[0].ID)
	assert.Equal(t, first.ID, chain[1].ID)
	assert.Equal(t, second.ID, chain[2].ID)

	reloaded, err := s.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, reloaded.Retries)
}

func TestSQLStore_Rekey(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	original, err := s.Create(ctx, "root", CreateOptions{ID: "temp-id", AgentID: "web-dev-agent"})
	require.NoError(t, err)
	retry, err := s.CreateRetry(ctx, original.ID, nil)
	require.NoError(t, err)

	renamed, err := s.Rekey(ctx, "temp-id", "final-id")
	require.NoError(t, err)
	assert.Equal(t, "final-id", renamed.ID)

	_, err = s.Get(ctx, "temp-id")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	child, err := s.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, "final-id", child.OriginalTaskID)

	// Rewrite retries references the other way too: rename the retry.
	_, err = s.Rekey(ctx, retry.ID, "retry-final")
	require.NoError(t, err)
	parent, err := s.Get(ctx, "final-id")
	require.NoError(t, err)
	assert.Equal(t, []string{"retry-final"}, parent.Retries)

	_, err = s.Rekey(ctx, "final-id", "retry-final")
	assert.ErrorIs(t, err, ErrTaskExists)
	_, err = s.Rekey(ctx, "missing", "whatever")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLStore_ClaimLifecycle(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	record, err := s.Create(ctx, "task", CreateOptions{AgentID: "web-dev-agent"})
	require.NoError(t, err)

	ok, err := s.Claim(ctx, record.ID, "worker-1", 60_000)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerID)
	require.NotNil(t, claimed.LeaseExpiresAt)
	assert.Equal(t, 1, claimed.ClaimCount)

	ok, err = s.Claim(ctx, record.ID, "worker-2", 60_000)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLease(ctx, record.ID, "worker-1", 120_000)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RenewLease(ctx, record.ID, "worker-2", 120_000)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, record.ID, "worker-1"))
	released, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, released.WorkerID)
	assert.Nil(t, released.LeaseExpiresAt)
	require.NotNil(t, released.LastClaimedAt)

	// Released tasks are claimable again.
	ok, err = s.Claim(ctx, record.ID, "worker-2", 60_000)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Claim(ctx, "missing", "worker-1", 60_000)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLStore_ClaimExpiredLease(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	record, err := s.Create(ctx, "task", CreateOptions{AgentID: "web-dev-agent"})
	require.NoError(t, err)

	ok, err := s.Claim(ctx, record.ID, "worker-1", 5)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = s.Claim(ctx, record.ID, "worker-2", 60_000)
	require.NoError(t, err)
	assert.True(t, ok)

	reclaimed, err := s.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", reclaimed.WorkerID)
	assert.Equal(t, 2, reclaimed.ClaimCount)
}

func TestSQLStore_NormalizeAtStartup(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	pending, err := s.Create(ctx, "pending", CreateOptions{AgentID: "web-dev-agent"})
	require.NoError(t, err)
	running, err := s.Create(ctx, "running", CreateOptions{AgentID: "web-dev-agent"})
	require.NoError(t, err)
	ok, err := s.Claim(ctx, running.ID, "worker-1", 60_000)
	require.NoError(t, err)
	require.True(t, ok)

	finished, err := s.Create(ctx, "finished", CreateOptions{AgentID: "web-dev-agent"})
	require.NoError(t, err)
	done := models.StatusCompleted
	_, err = s.Update(ctx, finished.ID, Patch{Status: &done})
	require.NoError(t, err)

	normalized, err := s.NormalizeAtStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, normalized)

	for _, id := range []string{pending.ID, running.ID} {
		record, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, record.Status)
		require.NotNil(t, record.Error)
		assert.Equal(t, RestartFailureMessage, record.Error.Message)
		assert.Empty(t, record.WorkerID)
		assert.Nil(t, record.LeaseExpiresAt)
	}
}

func TestSQLStore_DeleteVariants(t *testing.T) {
	s := newTestSQLStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "a", CreateOptions{ID: "a", AgentID: "web-dev-agent", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "b", CreateOptions{ID: "b", AgentID: "web-dev-agent", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "c", CreateOptions{ID: "c", AgentID: "web-dev-agent", ConversationID: "conv-2"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "c"))
	assert.ErrorIs(t, s.Delete(ctx, "c"), ErrTaskNotFound)

	deleted, err := s.DeleteByConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = s.Create(ctx, "d", CreateOptions{ID: "d", AgentID: "web-dev-agent"})
	require.NoError(t, err)
	kept, err := s.DeleteOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, kept)
	time.Sleep(2 * time.Millisecond)
	wiped, err := s.DeleteOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, wiped)
}

func TestSQLStore_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "persistence_test.db")
	ctx := context.Background()

	store1, err := NewSQLStore(openTestPool(t, dbPath))
	require.NoError(t, err)

	record, err := store1.Create(ctx, "durable work", CreateOptions{AgentID: "web-dev-agent"})
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := NewSQLStore(openTestPool(t, dbPath))
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()

	got, err := store2.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable work", got.Input)
	assert.Equal(t, models.StatusPending, got.Status)
}
