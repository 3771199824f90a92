package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a session or execution id matches no row.
var ErrNotFound = errors.New("not found")

// maxCapturedOutput bounds stored stdout/stderr per stream.
const maxCapturedOutput = 65535

// DB wraps a PostgreSQL connection pool holding sessions and executions.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a connection pool, verifies it, and ensures the schema.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			language    TEXT NOT NULL,
			source_code TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'ACTIVE',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL REFERENCES sessions(id),
			status            TEXT NOT NULL DEFAULT 'QUEUED',
			stdout            TEXT,
			stderr            TEXT,
			execution_time_ms BIGINT,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating executions table: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_executions_session_id
		ON executions(session_id)`)
	if err != nil {
		return fmt.Errorf("creating executions index: %w", err)
	}

	return nil
}

// CreateSession inserts a new session with a generated id.
func (db *DB) CreateSession(ctx context.Context, language, sourceCode string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:         uuid.New().String(),
		Language:   language,
		SourceCode: sourceCode,
		Status:     SessionActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO sessions (id, language, source_code, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Language, s.SourceCode, s.Status, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := db.pool.QueryRow(ctx, `
		SELECT id, language, source_code, status, created_at, updated_at
		FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.Language, &s.SourceCode, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return &s, nil
}

// UpdateSessionCode replaces a session's source text in place and bumps
// its updated_at timestamp.
func (db *DB) UpdateSessionCode(ctx context.Context, id, sourceCode string) (*Session, error) {
	var s Session
	err := db.pool.QueryRow(ctx, `
		UPDATE sessions
		SET source_code = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, language, source_code, status, created_at, updated_at`,
		id, sourceCode, time.Now().UTC(),
	).Scan(&s.ID, &s.Language, &s.SourceCode, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("updating session %s: %w", id, err)
	}
	return &s, nil
}

// ArchiveSession marks a session ARCHIVED. Archived sessions are kept.
func (db *DB) ArchiveSession(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, SessionArchived, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSessions queries sessions, newest first.
func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, language, source_code, status, created_at, updated_at
		FROM sessions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		string(filter.Status), limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Language, &s.SourceCode, &s.Status,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// CreateExecution inserts a new execution in status QUEUED. The caller
// hands the returned id to the queue; referential integrity against the
// session is enforced by the schema.
func (db *DB) CreateExecution(ctx context.Context, sessionID string) (*Execution, error) {
	now := time.Now().UTC()
	e := &Execution{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Status:    ExecutionQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO executions (id, session_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.SessionID, e.Status, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting execution for session %s: %w", sessionID, err)
	}
	return e, nil
}

// GetExecution retrieves a single execution by id.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	err := db.pool.QueryRow(ctx, `
		SELECT id, session_id, status, stdout, stderr, execution_time_ms,
			created_at, updated_at
		FROM executions WHERE id = $1`, id,
	).Scan(&e.ID, &e.SessionID, &e.Status, &e.Stdout, &e.Stderr,
		&e.ExecutionTimeMS, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &e, nil
}

// ListExecutions returns a session's executions, newest first.
func (db *DB) ListExecutions(ctx context.Context, sessionID string, limit int) ([]Execution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, `
		SELECT id, session_id, status, stdout, stderr, execution_time_ms,
			created_at, updated_at
		FROM executions
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Status, &e.Stdout, &e.Stderr,
			&e.ExecutionTimeMS, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// MarkRunning transitions an execution to RUNNING. The write is a
// compare-and-set: it applies only while the execution is still QUEUED or
// RUNNING, so a redelivered job whose execution reached a terminal state
// under a previous lease is detected (false return) instead of re-run.
func (db *DB) MarkRunning(ctx context.Context, id string) (bool, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $2)`,
		id, ExecutionRunning, time.Now().UTC(), ExecutionQueued,
	)
	if err != nil {
		return false, fmt.Errorf("marking execution %s running: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish writes the single terminal transition for an execution. Guarded
// the same way as MarkRunning: a terminal state is never overwritten, so
// at most one lease's result sticks.
func (db *DB) Finish(ctx context.Context, id string, status ExecutionStatus, stdout, stderr *string, durationMS *int64) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}

	tag, err := db.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, stdout = $3, stderr = $4, execution_time_ms = $5,
			updated_at = $6
		WHERE id = $1 AND status NOT IN ($7, $8, $9)`,
		id, status,
		truncatePtr(stdout, maxCapturedOutput),
		truncatePtr(stderr, maxCapturedOutput),
		durationMS, time.Now().UTC(),
		ExecutionCompleted, ExecutionFailed, ExecutionTimeout,
	)
	if err != nil {
		return false, fmt.Errorf("finishing execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func truncatePtr(s *string, maxLen int) *string {
	if s == nil || len(*s) <= maxLen {
		return s
	}
	out := (*s)[:maxLen]
	return &out
}
