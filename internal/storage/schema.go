package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects SQL syntax differences between the supported databases.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Bootstrap creates tables and indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB, d Dialect) error {
	logID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == Postgres {
		logID = "id BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_archive (
  id           TEXT PRIMARY KEY,
  agent_id     TEXT NOT NULL,
  kind         TEXT NOT NULL,
  requested    TEXT NOT NULL,
  provider     TEXT NOT NULL,
  instruction  TEXT NOT NULL,
  status       TEXT NOT NULL,
  success      INTEGER NOT NULL DEFAULT 0,
  result       TEXT,
  completions  INTEGER NOT NULL DEFAULT 0,
  created_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS task_archive_log (
  ` + logID + `,
  task_id  TEXT NOT NULL,
  at       TEXT NOT NULL,
  level    TEXT NOT NULL,
  message  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS task_archive_created_at_idx ON task_archive(created_at);`,
		`CREATE INDEX IF NOT EXISTS task_archive_log_task_idx ON task_archive_log(task_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap %s: %w", d, err)
		}
	}
	return nil
}

// Rebind rewrites ? placeholders into the dialect's form.
func Rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
