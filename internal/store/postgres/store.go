// Package postgres implements store.Store on PostgreSQL with pgx/v5.
//
// Every status change is one conditional UPDATE matched on the current
// status; rows affected is reported straight from the command tag.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/beaver-queue/internal/store"
	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// Store is a PostgreSQL task store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	owned  bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New connects to connString and verifies the connection.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}

	s := NewFromPool(pool, opts...)
	s.owned = true
	return s, nil
}

// NewFromPool wraps an existing pool. Close does not close a borrowed pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

const selectColumns = `id, payload, type, status, attempts, max_retries, owner, created_at, updated_at, version`

func (s *Store) Create(ctx context.Context, rec *types.TaskRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, payload, type, status, attempts, max_retries, owner, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), 1)`,
		string(rec.ID), rec.Payload, string(rec.Type), string(rec.Status),
		rec.Attempts, rec.MaxRetries, rec.Owner, createdAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("store/postgres: create %s: %w", rec.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("store/postgres: create %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id types.TaskID) (*types.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = $1`, string(id))
	rec, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("store/postgres: find %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("store/postgres: find %s: %w", id, err)
	}
	return rec, nil
}

// Save upserts payload, type, max_retries and owner. Status and attempts are
// only written on insert.
func (s *Store) Save(ctx context.Context, rec *types.TaskRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := rec.Status
	if status == "" {
		status = types.StatusQueued
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, payload, type, status, attempts, max_retries, owner, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), 1)
		ON CONFLICT (id) DO UPDATE SET
			payload     = EXCLUDED.payload,
			type        = EXCLUDED.type,
			max_retries = EXCLUDED.max_retries,
			owner       = EXCLUDED.owner,
			updated_at  = NOW(),
			version     = tasks.version + 1`,
		string(rec.ID), rec.Payload, string(rec.Type), string(status),
		rec.Attempts, rec.MaxRetries, rec.Owner, createdAt,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: save %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, id types.TaskID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'INPROGRESS', attempts = attempts + 1, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'QUEUED'`,
		string(id),
	)
	if err != nil {
		return 0, fmt.Errorf("store/postgres: claim %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Transition(ctx context.Context, id types.TaskID, from, to types.TaskStatus, newAttempts int) (int64, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3, attempts = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		string(id), string(from), string(to), newAttempts,
	)
	return rowsAffected(tag, err, "transition", id)
}

func (s *Store) TransitionSimple(ctx context.Context, id types.TaskID, from, to types.TaskStatus) (int64, error) {
	if err := store.CheckTransition(from, to); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		string(id), string(from), string(to),
	)
	return rowsAffected(tag, err, "transition", id)
}

func (s *Store) ListByStatus(ctx context.Context, status types.TaskStatus, updatedBefore time.Time, limit int) ([]*types.TaskRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	var before *time.Time
	if !updatedBefore.IsZero() {
		before = &updatedBefore
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM tasks
		WHERE status = $1 AND ($2::timestamptz IS NULL OR updated_at < $2)
		ORDER BY updated_at, id
		LIMIT $3`,
		string(status), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: list %s: %w", status, err)
	}
	defer rows.Close()

	out := make([]*types.TaskRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: list %s: %w", status, err)
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: count: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store/postgres: count scan: %w", err)
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool when the store created it.
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func scanRecord(row pgx.Row) (*types.TaskRecord, error) {
	var (
		rec                  types.TaskRecord
		id, taskType, status string
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&id, &rec.Payload, &taskType, &status, &rec.Attempts, &rec.MaxRetries,
		&rec.Owner, &createdAt, &updatedAt, &rec.Version)
	if err != nil {
		return nil, err
	}
	rec.ID = types.TaskID(id)
	rec.Type = types.TaskType(taskType)
	rec.Status = types.TaskStatus(status)
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	return &rec, nil
}

func rowsAffected(tag pgconn.CommandTag, err error, op string, id types.TaskID) (int64, error) {
	if err != nil {
		return 0, fmt.Errorf("store/postgres: %s %s: %w", op, id, err)
	}
	return tag.RowsAffected(), nil
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
