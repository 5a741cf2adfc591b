package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/agentrelay/internal/registry"
	"github.com/mattjoyce/agentrelay/internal/storage"
	"github.com/mattjoyce/agentrelay/internal/tasklog"
)

// SQL archives tasks into task_archive and task_archive_log.
type SQL struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewSQL wraps an open, bootstrapped database.
func NewSQL(db *sql.DB, dialect storage.Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

func (s *SQL) q(query string) string {
	return storage.Rebind(s.dialect, query)
}

func (s *SQL) upsert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO task_archive (
  id, agent_id, kind, requested, provider, instruction,
  status, success, result, completions, created_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  success = EXCLUDED.success,
  result = EXCLUDED.result,
  completions = EXCLUDED.completions,
  completed_at = EXCLUDED.completed_at`),
		r.ID, r.AgentID, r.Kind, r.Requested, r.Provider, r.Instruction,
		r.Status, boolInt(r.Success), r.Result, r.Completions,
		formatTime(r.CreatedAt), nullString(formatTime(r.CompletedAt)),
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQL) TaskCreated(ctx context.Context, t registry.Task) error {
	return s.upsert(ctx, recordFrom(t))
}

func (s *SQL) TaskCompleted(ctx context.Context, t registry.Task) error {
	return s.upsert(ctx, recordFrom(t))
}

func (s *SQL) TaskLogged(ctx context.Context, taskID string, e registry.Entry) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO task_archive_log (task_id, at, level, message) VALUES (?, ?, ?, ?)`),
		taskID, formatTime(e.Time), string(e.Level), e.Message,
	)
	if err != nil {
		return fmt.Errorf("archive log for %s: %w", taskID, err)
	}
	return nil
}

const selectRecord = `SELECT id, agent_id, kind, requested, provider, instruction,
  status, success, result, completions, created_at, completed_at FROM task_archive`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                 Record
		success           int
		result, completed sql.NullString
		created           string
	)
	if err := row.Scan(&r.ID, &r.AgentID, &r.Kind, &r.Requested, &r.Provider, &r.Instruction,
		&r.Status, &success, &result, &r.Completions, &created, &completed); err != nil {
		return Record{}, err
	}
	r.Success = success != 0
	r.Result = result.String

	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	if r.CompletedAt, err = parseTime(completed.String); err != nil {
		return Record{}, fmt.Errorf("parse completed_at: %w", err)
	}
	return r, nil
}

func (s *SQL) Task(ctx context.Context, id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, s.q(selectRecord+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("query task %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT at, level, message FROM task_archive_log WHERE task_id = ? ORDER BY id`), id)
	if err != nil {
		return Record{}, fmt.Errorf("query log for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var at, level string
		var e registry.Entry
		if err := rows.Scan(&at, &level, &e.Message); err != nil {
			return Record{}, fmt.Errorf("scan log for %s: %w", id, err)
		}
		if e.Time, err = parseTime(at); err != nil {
			return Record{}, fmt.Errorf("parse log time: %w", err)
		}
		e.Level = tasklog.Level(level)
		r.Logs = append(r.Logs, e)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("read log for %s: %w", id, err)
	}
	return r, nil
}

func (s *SQL) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = registry.DefaultDigestSize
	}
	rows, err := s.db.QueryContext(ctx, s.q(selectRecord+` ORDER BY created_at DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("query recent tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent task: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read recent tasks: %w", err)
	}
	return out, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
