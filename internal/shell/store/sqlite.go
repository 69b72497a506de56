package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/artpar/deploychain/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements ConfigStore and Journal using SQLite. Config
// records are namespaced by environment so one database can hold the
// addresses of several networks.
type SQLiteStore struct {
	db          *sqlx.DB
	environment string

	mu     sync.RWMutex
	values map[string]string
}

// NewSQLiteStore opens the database, runs migrations and loads the config
// records of environment.
func NewSQLiteStore(dsn, environment string) (*SQLiteStore, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, NewStoreError("NewSQLiteStore", "", dsn, err.Error(), ErrConnectionFailed)
		}
	}

	// Open database connection
	db, err := sqlx.Open("sqlite3", withQueryParam(dsn, "_foreign_keys=on"))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// One connection: keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	s := &SQLiteStore{db: db, environment: environment}
	if err := s.load(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// withQueryParam appends param to the DSN's query string.
func withQueryParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Environment returns the namespace of the config records.
func (s *SQLiteStore) Environment() string {
	return s.environment
}

// =============================================================================
// Config Records
// =============================================================================

// recordRow represents a config_records row.
type recordRow struct {
	Environment string `db:"environment"`
	Key         string `db:"key"`
	Value       string `db:"value"`
	UpdatedAt   string `db:"updated_at"`
}

func (s *SQLiteStore) load(ctx context.Context) error {
	values, err := s.Records(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Records reads the environment's last flushed mapping from the database,
// ignoring unflushed Sets.
func (s *SQLiteStore) Records(ctx context.Context) (map[string]string, error) {
	var rows []recordRow
	query := `SELECT * FROM config_records WHERE environment = ?`
	if err := s.db.SelectContext(ctx, &rows, query, s.environment); err != nil {
		return nil, NewStoreError("Records", "config_records", s.environment, err.Error(), err)
	}

	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[r.Key] = r.Value
	}
	return values, nil
}

func (s *SQLiteStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", missingKey(key)
	}
	return v, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	if key == "" {
		return NewStoreError("Set", "key", "", "key is empty", ErrInvalidKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *SQLiteStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMap(s.values)
}

// Flush makes the environment's records equal to the current mapping in a
// single transaction.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	values := s.Snapshot()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("Flush", "config_records", s.environment, "failed to begin transaction", ErrWriteFailed)
	}

	if err := writeRecords(ctx, tx, s.environment, keys, values); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("Flush", "config_records", s.environment, fmt.Sprintf("rollback failed after error: %v", err), ErrWriteFailed)
		}
		return NewStoreError("Flush", "config_records", s.environment, err.Error(), ErrWriteFailed)
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("Flush", "config_records", s.environment, "failed to commit transaction", ErrWriteFailed)
	}
	return nil
}

// writeRecords makes the environment's rows match values. Unchanged rows are
// left as they are, updated_at included, so flushing the same mapping twice
// persists identical rows.
func writeRecords(ctx context.Context, exec executor, environment string, keys []string, values map[string]string) error {
	var existing []string
	if err := exec.SelectContext(ctx, &existing, `SELECT key FROM config_records WHERE environment = ?`, environment); err != nil {
		return err
	}
	for _, k := range existing {
		if _, ok := values[k]; ok {
			continue
		}
		if _, err := exec.ExecContext(ctx, `DELETE FROM config_records WHERE environment = ? AND key = ?`, environment, k); err != nil {
			return err
		}
	}

	now := time.Now().UTC().Format(timeLayout)
	query := `
		INSERT INTO config_records (environment, key, value, updated_at)
		VALUES (:environment, :key, :value, :updated_at)
		ON CONFLICT (environment, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
		WHERE config_records.value <> excluded.value`
	for _, k := range keys {
		row := recordRow{Environment: environment, Key: k, Value: values[k], UpdatedAt: now}
		if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a runs row.
type runRow struct {
	ID          string  `db:"id"`
	Pipeline    string  `db:"pipeline"`
	Environment string  `db:"environment"`
	FromStep    string  `db:"from_step"`
	Status      string  `db:"status"`
	HaltedAt    string  `db:"halted_at"`
	Error       string  `db:"error"`
	StartedAt   string  `db:"started_at"`
	FinishedAt  *string `db:"finished_at"`
}

func runToRow(run *domain.Run) runRow {
	row := runRow{
		ID:          run.ID,
		Pipeline:    run.Pipeline,
		Environment: run.Environment,
		FromStep:    run.From,
		Status:      string(run.Status),
		HaltedAt:    run.HaltedAt,
		Error:       run.Error,
		StartedAt:   run.StartedAt.Format(timeLayout),
	}
	if run.FinishedAt != nil {
		f := run.FinishedAt.Format(timeLayout)
		row.FinishedAt = &f
	}
	return row
}

func rowToRun(row *runRow) (*domain.Run, error) {
	startedAt, err := time.Parse(timeLayout, row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "invalid started_at", ErrInvalidData)
	}
	run := &domain.Run{
		ID:          row.ID,
		Pipeline:    row.Pipeline,
		Environment: row.Environment,
		From:        row.FromStep,
		Status:      domain.RunStatus(row.Status),
		HaltedAt:    row.HaltedAt,
		Error:       row.Error,
		StartedAt:   startedAt,
	}
	if row.FinishedAt != nil {
		f, err := time.Parse(timeLayout, *row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("rowToRun", "run", row.ID, "invalid finished_at", ErrInvalidData)
		}
		run.FinishedAt = &f
	}
	return run, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO runs (id, pipeline, environment, from_step, status, halted_at, error, started_at, finished_at)
		VALUES (:id, :pipeline, :environment, :from_step, :status, :halted_at, :error, :started_at, :finished_at)`

	if _, err := s.db.NamedExecContext(ctx, query, runToRow(run)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	query := `
		UPDATE runs SET
			status = :status, halted_at = :halted_at, error = :error, finished_at = :finished_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToRun(&row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.Run, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.Run, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(&row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// =============================================================================
// Step Record Operations
// =============================================================================

// stepRow represents a step_records row.
type stepRow struct {
	ID         int64  `db:"id"`
	RunID      string `db:"run_id"`
	Position   int    `db:"position"`
	Step       string `db:"step"`
	Unit       string `db:"unit"`
	Status     string `db:"status"`
	Key        string `db:"key"`
	Address    string `db:"address"`
	Wiring     string `db:"wiring"`
	Error      string `db:"error"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

func (s *SQLiteStore) RecordStep(ctx context.Context, rec *domain.StepRecord) error {
	wiringJSON, err := json.Marshal(rec.Wiring)
	if err != nil {
		return NewStoreError("RecordStep", "step", rec.Step, "failed to serialize wiring", ErrInvalidData)
	}

	query := `
		INSERT INTO step_records (
			run_id, position, step, unit, status, key, address, wiring, error, started_at, finished_at
		) VALUES (
			:run_id, :position, :step, :unit, :status, :key, :address, :wiring, :error, :started_at, :finished_at
		)`

	row := stepRow{
		RunID:      rec.RunID,
		Position:   rec.Position,
		Step:       rec.Step,
		Unit:       rec.Unit,
		Status:     rec.Status,
		Key:        rec.Key,
		Address:    rec.Address,
		Wiring:     string(wiringJSON),
		Error:      rec.Error,
		StartedAt:  rec.StartedAt.UTC().Format(timeLayout),
		FinishedAt: rec.FinishedAt.UTC().Format(timeLayout),
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("RecordStep", "run", rec.RunID, "run not found", ErrNotFound)
		}
		return NewStoreError("RecordStep", "step", rec.Step, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) ListStepRecords(ctx context.Context, runID string) ([]domain.StepRecord, error) {
	var rows []stepRow
	query := `SELECT * FROM step_records WHERE run_id = ? ORDER BY id ASC`
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, NewStoreError("ListStepRecords", "step", "", err.Error(), err)
	}

	records := make([]domain.StepRecord, 0, len(rows))
	for _, row := range rows {
		rec := domain.StepRecord{
			RunID:    row.RunID,
			Position: row.Position,
			Step:     row.Step,
			Unit:     row.Unit,
			Status:   row.Status,
			Key:      row.Key,
			Address:  row.Address,
			Error:    row.Error,
		}
		if row.Wiring != "" && row.Wiring != "null" {
			if err := json.Unmarshal([]byte(row.Wiring), &rec.Wiring); err != nil {
				return nil, NewStoreError("ListStepRecords", "step", row.Step, "failed to deserialize wiring", ErrInvalidData)
			}
		}
		rec.StartedAt, _ = time.Parse(timeLayout, row.StartedAt)
		rec.FinishedAt, _ = time.Parse(timeLayout, row.FinishedAt)
		records = append(records, rec)
	}
	return records, nil
}
