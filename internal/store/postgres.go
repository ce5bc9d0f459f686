package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// PostgresStore implements Store on PostgreSQL. Updates hold a row lock for
// the duration of the mutator.
type PostgresStore struct {
	db     *pgxpool.Pool
	policy auth.Policy
}

// NewPostgresStore connects to dsn.
func NewPostgresStore(ctx context.Context, dsn string, policy auth.Policy) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreFromPool(pool, policy), nil
}

// NewPostgresStoreFromPool wraps an existing pool. Close closes the pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, policy auth.Policy) *PostgresStore {
	return &PostgresStore{db: pool, policy: policy}
}

func (s *PostgresStore) Policy() auth.Policy { return s.policy }

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies pending migrations under an advisory lock so concurrent
// replicas do not race.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migrations: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('handoff_schema_version'))`); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, t *tasks.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	body, err := encodeTask(t)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO tasks (id, owner, workflow, state, version, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Owner, t.Workflow, string(t.State), t.Version, body, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return storeError("insert task", err)
	}
	if tag.RowsAffected() == 0 {
		return duplicate(t.ID)
	}
	return nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) load(ctx context.Context, q pgQuerier, owner, id string, lock bool) (*tasks.Task, error) {
	query := `SELECT owner, version, body FROM tasks WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		rowOwner string
		version  int64
		body     []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(&rowOwner, &version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeError("select task", err)
	}
	if rowOwner != owner {
		return nil, notFound(id)
	}
	t, err := decodeTask(body)
	if err != nil {
		return nil, storeError("decode task", err)
	}
	t.Version = version
	return t, nil
}

func (s *PostgresStore) Get(ctx context.Context, owner, id string) (*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, owner, id, false)
}

func (s *PostgresStore) Update(ctx context.Context, owner, id string, fn func(*tasks.Task) error) (*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storeError("begin update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := s.load(ctx, tx, owner, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.Version++
	body, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET state = $1, version = $2, body = $3, updated_at = $4 WHERE id = $5`,
		string(t.State), t.Version, body, t.UpdatedAt, id,
	); err != nil {
		return nil, storeError("update task", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("commit update", err)
	}
	return t, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	where := []string{"owner = $1"}
	args := []any{owner}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	query := `SELECT version, body FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		var (
			version int64
			body    []byte
		)
		if err := rows.Scan(&version, &body); err != nil {
			return nil, storeError("scan task", err)
		}
		t, err := decodeTask(body)
		if err != nil {
			return nil, storeError("decode task", err)
		}
		t.Version = version
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list tasks", err)
	}
	return out, nil
}

func (s *PostgresStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM tasks WHERE state IN ($1, $2) AND updated_at < $3`,
		string(schema.TaskStatusCompleted), string(schema.TaskStatusFailed), before,
	)
	if err != nil {
		return 0, storeError("purge tasks", err)
	}
	return int(tag.RowsAffected()), nil
}
