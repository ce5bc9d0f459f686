package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork). Updates use
// a compare-and-swap on the version column.
type LibSQLStore struct {
	db     *sql.DB
	policy auth.Policy
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/handoff.db".
func NewLibSQLStore(dbPath string, policy auth.Policy) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, policy: policy}, nil
}

func (s *LibSQLStore) Policy() auth.Policy { return s.policy }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Create(ctx context.Context, t *tasks.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	body, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner, workflow, state, version, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Owner, t.Workflow, string(t.State), t.Version, string(body),
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return storeError("insert task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("insert task", err)
	}
	if n == 0 {
		return duplicate(t.ID)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, owner, id string) (*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	t, _, err := s.load(ctx, owner, id)
	return t, err
}

// load returns the stored task and the version it was read at.
func (s *LibSQLStore) load(ctx context.Context, owner, id string) (*tasks.Task, int64, error) {
	var (
		rowOwner, body string
		version        int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, version, body FROM tasks WHERE id = ?`, id,
	).Scan(&rowOwner, &version, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, notFound(id)
	}
	if err != nil {
		return nil, 0, storeError("select task", err)
	}
	if rowOwner != owner {
		return nil, 0, notFound(id)
	}
	t, err := decodeTask([]byte(body))
	if err != nil {
		return nil, 0, storeError("decode task", err)
	}
	t.Version = version
	return t, version, nil
}

func (s *LibSQLStore) Update(ctx context.Context, owner, id string, fn func(*tasks.Task) error) (*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		t, version, err := s.load(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		if err := fn(t); err != nil {
			return nil, err
		}
		t.Version = version + 1
		body, err := encodeTask(t)
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET state = ?, version = ?, body = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(t.State), t.Version, string(body), t.UpdatedAt.UnixNano(), id, version,
		)
		if err != nil {
			return nil, storeError("update task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, storeError("update task", err)
		}
		if n == 1 {
			return t, nil
		}
	}
	return nil, contention(id)
}

func (s *LibSQLStore) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	where := []string{"owner = ?"}
	args := []any{owner}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	query := `SELECT version, body FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		var (
			version int64
			body    string
		)
		if err := rows.Scan(&version, &body); err != nil {
			return nil, storeError("scan task", err)
		}
		t, err := decodeTask([]byte(body))
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

func (s *LibSQLStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?, ?) AND updated_at < ?`,
		string(schema.TaskStatusCompleted), string(schema.TaskStatusFailed), before.UnixNano(),
	)
	if err != nil {
		return 0, storeError("purge tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("purge tasks", err)
	}
	return int(n), nil
}
