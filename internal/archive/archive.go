// Package archive mirrors registry tasks into durable storage so they can be
// inspected after the process exits. It is an audit trail: nothing is ever
// read back into the registry or resumed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/agentrelay/internal/config"
	"github.com/mattjoyce/agentrelay/internal/registry"
	"github.com/mattjoyce/agentrelay/internal/storage"
)

// ErrNotFound is returned when an archived task does not exist.
var ErrNotFound = errors.New("archived task not found")

// Record is an archived task.
type Record struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agent_id"`
	Kind        string           `json:"kind"`
	Requested   string           `json:"requested_provider"`
	Provider    string           `json:"provider"`
	Instruction string           `json:"instruction"`
	Status      string           `json:"status"`
	Success     bool             `json:"success"`
	Result      string           `json:"result,omitempty"`
	Completions int              `json:"completions"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	Logs        []registry.Entry `json:"logs,omitempty"`
}

func recordFrom(t registry.Task) Record {
	return Record{
		ID:          t.ID,
		AgentID:     t.AgentID,
		Kind:        string(t.Kind),
		Requested:   t.Provider.String(),
		Provider:    t.Resolved,
		Instruction: t.Instruction,
		Status:      t.Status(),
		Success:     t.Success,
		Result:      t.Result,
		Completions: t.Completions,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// Archive is a registry sink that can also be queried.
type Archive interface {
	registry.Sink
	// Task returns one record with its log.
	Task(ctx context.Context, id string) (Record, error)
	// Recent returns up to n records, newest first, without logs.
	Recent(ctx context.Context, n int) ([]Record, error)
}

// Open builds the archive selected by cfg. It returns nil, nil when archiving
// is disabled.
func Open(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	switch cfg.Driver {
	case "", config.ArchiveNone:
		return nil, nil
	case config.ArchiveSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQL(db, storage.SQLite), nil
	case config.ArchivePostgres:
		db, err := storage.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQL(db, storage.Postgres), nil
	case config.ArchiveRedis:
		return OpenRedis(ctx, cfg.RedisAddr, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
	}
}

// timeLayout is fixed width so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
