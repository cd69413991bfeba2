// Package storage persists finished publish tasks into Postgres so their
// results outlive the in-memory registry's retention window.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"

	"xhs-toolkit/internal/config"
	"xhs-toolkit/pkg/types"
)

// ErrNotArchived is returned when a task id is unknown to the archive.
var ErrNotArchived = errors.New("task not archived")

// TaskArchive writes terminal task snapshots to a relational database.
type TaskArchive struct {
	db          *sql.DB
	autoMigrate bool
}

// NewTaskArchive initialises the archive from configuration.
func NewTaskArchive(cfg config.SQLConfig) (*TaskArchive, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if cfg.CreateIfMissing && shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			if err := createDatabase(ctx, cfg); err != nil {
				return nil, err
			}
			db, err = sql.Open(cfg.Driver, cfg.DSN)
			if err != nil {
				return nil, fmt.Errorf("open sql connection: %w", err)
			}
			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("ping sql connection: %w", err)
			}
		} else {
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	archive := &TaskArchive{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := archive.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return archive, nil
}

// ArchiveTask stores a terminal task snapshot. Safe to call repeatedly for
// the same task; later writes win.
func (a *TaskArchive) ArchiveTask(snap types.TaskSnapshot) error {
	if a == nil || a.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.upsertTask(ctx, snap); err != nil {
		if a.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := a.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := a.upsertTask(ctx, snap); retryErr != nil {
				return fmt.Errorf("insert task: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (a *TaskArchive) upsertTask(ctx context.Context, snap types.TaskSnapshot) error {
	resultJSON, err := marshalNullable(snap.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	errorJSON, err := marshalNullable(snap.Error)
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}

	query := `
        INSERT INTO publish_tasks (task_id, state, progress, message, attempts, created_at, updated_at, completed_at, result, last_error)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (task_id) DO UPDATE SET
            state = EXCLUDED.state,
            progress = EXCLUDED.progress,
            message = EXCLUDED.message,
            attempts = EXCLUDED.attempts,
            updated_at = EXCLUDED.updated_at,
            completed_at = EXCLUDED.completed_at,
            result = EXCLUDED.result,
            last_error = EXCLUDED.last_error
    `
	_, err = a.db.ExecContext(ctx, query,
		snap.TaskID,
		string(snap.State),
		snap.Progress,
		snap.Message,
		snap.Attempts,
		snap.CreatedAt,
		snap.UpdatedAt,
		snap.CompletedAt,
		resultJSON,
		errorJSON,
	)
	return err
}

// Get retrieves an archived task by id.
func (a *TaskArchive) Get(ctx context.Context, taskID string) (types.TaskSnapshot, error) {
	if a == nil || a.db == nil {
		return types.TaskSnapshot{}, ErrNotArchived
	}
	query := `
        SELECT task_id, state, progress, message, attempts, created_at, updated_at, completed_at, result, last_error
        FROM publish_tasks WHERE task_id = $1
    `
	row := a.db.QueryRowContext(ctx, query, taskID)
	snap, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TaskSnapshot{}, ErrNotArchived
	}
	if err != nil && isUndefinedTableErr(err) {
		return types.TaskSnapshot{}, ErrNotArchived
	}
	return snap, err
}

// Recent lists the most recently finished tasks, newest first.
func (a *TaskArchive) Recent(ctx context.Context, limit int) ([]types.TaskSnapshot, error) {
	if a == nil || a.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT task_id, state, progress, message, attempts, created_at, updated_at, completed_at, result, last_error
        FROM publish_tasks ORDER BY completed_at DESC NULLS LAST LIMIT $1
    `
	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		if isUndefinedTableErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query archived tasks: %w", err)
	}
	defer rows.Close()

	var snaps []types.TaskSnapshot
	for rows.Next() {
		snap, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (types.TaskSnapshot, error) {
	var snap types.TaskSnapshot
	var state, message string
	var completedAt sql.NullTime
	var resultJSON, errorJSON []byte

	err := row.Scan(
		&snap.TaskID,
		&state,
		&snap.Progress,
		&message,
		&snap.Attempts,
		&snap.CreatedAt,
		&snap.UpdatedAt,
		&completedAt,
		&resultJSON,
		&errorJSON,
	)
	if err != nil {
		return types.TaskSnapshot{}, err
	}
	snap.State = types.TaskState(state)
	snap.Message = message
	if completedAt.Valid {
		t := completedAt.Time
		snap.CompletedAt = &t
	}
	if len(resultJSON) > 0 {
		var result types.PublishResult
		if err := json.Unmarshal(resultJSON, &result); err == nil {
			snap.Result = &result
		}
	}
	if len(errorJSON) > 0 {
		var errRec types.ErrorRecord
		if err := json.Unmarshal(errorJSON, &errRec); err == nil {
			snap.Error = &errRec
		}
	}
	return snap, nil
}

func marshalNullable(v any) (any, error) {
	switch value := v.(type) {
	case *types.PublishResult:
		if value == nil {
			return nil, nil
		}
	case *types.ErrorRecord:
		if value == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close closes the underlying DB connection.
func (a *TaskArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !strings.EqualFold(driver, "postgres") {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDSN := parsed.String()
	adminDB, err := sql.Open(cfg.Driver, adminDSN)
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func (a *TaskArchive) ensureSchema(ctx context.Context) error {
	if a == nil || a.db == nil || !a.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS publish_tasks (
		    task_id TEXT PRIMARY KEY,
		    state TEXT NOT NULL,
		    progress INT NOT NULL DEFAULT 0,
		    message TEXT,
		    attempts INT NOT NULL DEFAULT 0,
		    created_at TIMESTAMPTZ NOT NULL,
		    updated_at TIMESTAMPTZ NOT NULL,
		    completed_at TIMESTAMPTZ,
		    result JSONB,
		    last_error JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_publish_tasks_completed_at ON publish_tasks (completed_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
