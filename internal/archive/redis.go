package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/agentrelay/internal/registry"
)

// Redis archives each task as a hash, its log as a list of JSON entries, and
// keeps a sorted set of task ids by creation time.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to addr and checks the connection.
func OpenRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "agentrelay"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) taskKey(id string) string { return r.prefix + ":task:" + id }
func (r *Redis) logKey(id string) string  { return r.prefix + ":task:" + id + ":log" }
func (r *Redis) indexKey() string         { return r.prefix + ":tasks" }

func (r *Redis) save(ctx context.Context, rec Record) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.taskKey(rec.ID), map[string]any{
			"id":           rec.ID,
			"agent_id":     rec.AgentID,
			"kind":         rec.Kind,
			"requested":    rec.Requested,
			"provider":     rec.Provider,
			"instruction":  rec.Instruction,
			"status":       rec.Status,
			"success":      strconv.FormatBool(rec.Success),
			"result":       rec.Result,
			"completions":  rec.Completions,
			"created_at":   formatTime(rec.CreatedAt),
			"completed_at": formatTime(rec.CompletedAt),
		})
		p.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(rec.CreatedAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Redis) TaskCreated(ctx context.Context, t registry.Task) error {
	return r.save(ctx, recordFrom(t))
}

func (r *Redis) TaskCompleted(ctx context.Context, t registry.Task) error {
	return r.save(ctx, recordFrom(t))
}

func (r *Redis) TaskLogged(ctx context.Context, taskID string, e registry.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	if err := r.client.RPush(ctx, r.logKey(taskID), data).Err(); err != nil {
		return fmt.Errorf("archive log for %s: %w", taskID, err)
	}
	return nil
}

func (r *Redis) Task(ctx context.Context, id string) (Record, error) {
	fields, err := r.client.HGetAll(ctx, r.taskKey(id)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec, err := recordFromHash(fields)
	if err != nil {
		return Record{}, err
	}

	raw, err := r.client.LRange(ctx, r.logKey(id), 0, -1).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read log for %s: %w", id, err)
	}
	for _, item := range raw {
		var e registry.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return Record{}, fmt.Errorf("decode log entry for %s: %w", id, err)
		}
		rec.Logs = append(rec.Logs, e)
	}
	return rec, nil
}

func (r *Redis) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = registry.DefaultDigestSize
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read task index: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, r.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read recent tasks: %w", err)
	}

	out := make([]Record, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := recordFromHash(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func recordFromHash(f map[string]string) (Record, error) {
	rec := Record{
		ID:          f["id"],
		AgentID:     f["agent_id"],
		Kind:        f["kind"],
		Requested:   f["requested"],
		Provider:    f["provider"],
		Instruction: f["instruction"],
		Status:      f["status"],
		Success:     f["success"] == "true",
		Result:      f["result"],
	}
	var err error
	if rec.Completions, err = strconv.Atoi(f["completions"]); err != nil {
		return Record{}, fmt.Errorf("task %s: bad completions %q: %w", rec.ID, f["completions"], err)
	}
	if rec.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return Record{}, fmt.Errorf("task %s: parse created_at: %w", rec.ID, err)
	}
	if rec.CompletedAt, err = parseTime(f["completed_at"]); err != nil {
		return Record{}, fmt.Errorf("task %s: parse completed_at: %w", rec.ID, err)
	}
	return rec, nil
}
