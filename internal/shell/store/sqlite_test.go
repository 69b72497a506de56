package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/deploychain/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", "development")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestRun(t *testing.T, s *SQLiteStore) *domain.Run {
	t.Helper()
	run := domain.NewRun("marketplace", s.Environment(), "")
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// Config Record Tests
// =============================================================================

func TestSQLiteStore_GetMissingKey(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Get("ALPHA_ADDR")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestSQLiteStore_FlushSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploychain.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, "testnet")
	require.NoError(t, err)
	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Set("BETA_ADDR", "0xBeta"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, "testnet")
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, map[string]string{"ALPHA_ADDR": "0xAlpha", "BETA_ADDR": "0xBeta"}, reopened.Snapshot())
}

func TestSQLiteStore_UnflushedSetIsLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploychain.db")

	s, err := NewSQLiteStore(path, "testnet")
	require.NoError(t, err)
	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, "testnet")
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get("ALPHA_ADDR")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestSQLiteStore_EnvironmentIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploychain.db")
	ctx := context.Background()

	dev, err := NewSQLiteStore(path, "development")
	require.NoError(t, err)
	require.NoError(t, dev.Set("ALPHA_ADDR", "0xDev"))
	require.NoError(t, dev.Flush(ctx))
	require.NoError(t, dev.Close())

	mainnet, err := NewSQLiteStore(path, "mainnet")
	require.NoError(t, err)
	defer mainnet.Close()

	_, err = mainnet.Get("ALPHA_ADDR")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestSQLiteStore_FlushTwiceKeepsRecords(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Set("BETA_ADDR", "0xBeta"))
	require.NoError(t, s.Flush(ctx))
	first := recordRows(t, s)

	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, first, recordRows(t, s))

	require.NoError(t, s.load(ctx))
	v, err := s.Get("ALPHA_ADDR")
	require.NoError(t, err)
	assert.Equal(t, "0xAlpha", v)
}

func TestSQLiteStore_FlushUpdatesOnlyChangedRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Set("BETA_ADDR", "0xBeta"))
	require.NoError(t, s.Flush(ctx))
	first := recordRows(t, s)

	require.NoError(t, s.Set("BETA_ADDR", "0xBeta2"))
	require.NoError(t, s.Flush(ctx))
	second := recordRows(t, s)

	require.Len(t, second, 2)
	assert.Equal(t, first[0], second[0])
	assert.Equal(t, "0xBeta2", second[1].Value)
	assert.NotEqual(t, first[1].UpdatedAt, second[1].UpdatedAt)
}

func TestSQLiteStore_FlushRemovesStaleRows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_records (environment, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		s.environment, "STALE_ADDR", "0xStale", "2024-01-01T00:00:00.000000000Z")
	require.NoError(t, err)

	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Flush(ctx))

	rows := recordRows(t, s)
	require.Len(t, rows, 1)
	assert.Equal(t, "ALPHA_ADDR", rows[0].Key)
}

func TestWithQueryParam(t *testing.T) {
	assert.Equal(t, "state.db?_foreign_keys=on", withQueryParam("state.db", "_foreign_keys=on"))
	assert.Equal(t, "file:x.db?mode=rwc&_foreign_keys=on", withQueryParam("file:x.db?mode=rwc", "_foreign_keys=on"))
}

func TestNewSQLiteStore_DSNWithQuery(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "state.db") + "?mode=rwc"
	s, err := NewSQLiteStore(dsn, "dev")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Flush(context.Background()))
}

// recordRows returns the store's config_records rows ordered by key.
func recordRows(t *testing.T, s *SQLiteStore) []recordRow {
	t.Helper()
	var rows []recordRow
	require.NoError(t, s.db.SelectContext(context.Background(), &rows,
		`SELECT environment, key, value, updated_at FROM config_records WHERE environment = ? ORDER BY key`, s.environment))
	return rows
}

func TestSQLiteStore_SetEmptyKey(t *testing.T) {
	s := setupTestStore(t)
	assert.ErrorIs(t, s.Set("", "x"), ErrInvalidKey)
}

// =============================================================================
// Run Journal Tests
// =============================================================================

func TestSQLiteStore_CreateAndGetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "marketplace", got.Pipeline)
	assert.Equal(t, "development", got.Environment)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, run.StartedAt, got.StartedAt, time.Millisecond)
}

func TestSQLiteStore_CreateRunDuplicate(t *testing.T) {
	s := setupTestStore(t)
	run := createTestRun(t, s)

	err := s.CreateRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)

	require.NoError(t, run.Halt("Beta", assert.AnError))
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusHalted, got.Status)
	assert.Equal(t, "Beta", got.HaltedAt)
	assert.Equal(t, assert.AnError.Error(), got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestSQLiteStore_UpdateRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	run := domain.NewRun("marketplace", "development", "")
	err := s.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListRunsNewestFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	older := domain.NewRun("marketplace", "development", "")
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateRun(ctx, older))

	newer := domain.NewRun("marketplace", "development", "Marketplace")
	require.NoError(t, s.CreateRun(ctx, newer))

	runs, err := s.ListRuns(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, "Marketplace", runs[0].From)
	assert.Equal(t, older.ID, runs[1].ID)

	limited, err := s.ListRuns(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, older.ID, limited[0].ID)
}

// =============================================================================
// Step Record Tests
// =============================================================================

func TestSQLiteStore_RecordStep(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	run := createTestRun(t, s)

	now := time.Now().UTC()
	first := &domain.StepRecord{
		RunID: run.ID, Position: 0, Step: "Alpha", Unit: "AlphaUnit",
		Status: "complete", Key: "ALPHA_ADDR", Address: "0xAlpha",
		StartedAt: now, FinishedAt: now,
	}
	second := &domain.StepRecord{
		RunID: run.ID, Position: 1, Step: "Beta", Unit: "BetaUnit",
		Status: "complete", Key: "BETA_ADDR", Address: "0xBeta",
		Wiring: []domain.WiringRecord{
			{Operation: "addOperator", Target: "config.ALPHA_ADDR", Policy: "best-effort", Outcome: domain.WiringFailed, Error: "reverted"},
		},
		StartedAt: now, FinishedAt: now,
	}
	require.NoError(t, s.RecordStep(ctx, first))
	require.NoError(t, s.RecordStep(ctx, second))

	records, err := s.ListStepRecords(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "Alpha", records[0].Step)
	assert.Empty(t, records[0].Wiring)
	assert.Equal(t, "Beta", records[1].Step)
	require.Len(t, records[1].Wiring, 1)
	assert.Equal(t, domain.WiringFailed, records[1].Wiring[0].Outcome)
	assert.Equal(t, 1, records[1].FailedWiring())
}

func TestSQLiteStore_RecordStepUnknownRun(t *testing.T) {
	s := setupTestStore(t)

	err := s.RecordStep(context.Background(), &domain.StepRecord{RunID: "ghost", Step: "Alpha"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListStepRecordsEmpty(t *testing.T) {
	s := setupTestStore(t)

	records, err := s.ListStepRecords(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLiteStore_RecordsIgnoresUnflushed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set("ALPHA_ADDR", "0xAlpha"))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Set("BETA_ADDR", "0xBeta"))

	records, err := s.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ALPHA_ADDR": "0xAlpha"}, records)
	assert.Len(t, s.Snapshot(), 2)
}
