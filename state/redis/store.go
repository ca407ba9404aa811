// Package redis persists task and checkpoint records in Redis. Locked
// read-modify-write uses a per-task SET NX lock; checkpoints live in a
// sorted set keyed by sequence number.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flowforgeHQ/stepflow-go/state"
)

const (
	defaultTTL          = 72 * time.Hour
	defaultLimit        = 50
	defaultPrefix       = "stepflow"
	lockTTL             = 10 * time.Second
	lockAcquireInterval = 25 * time.Millisecond
)

type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

func WithDB(db int) Option {
	return func(s *Store) { s.db = db }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) taskKey(taskID string) string       { return s.prefix + ":task:" + taskID }
func (s *Store) taskIndexKey() string               { return s.prefix + ":tasks" }
func (s *Store) lockKey(taskID string) string       { return s.prefix + ":task_lock:" + taskID }
func (s *Store) checkpointKey(taskID string) string { return s.prefix + ":checkpoints:" + taskID }

func (s *Store) SaveTask(ctx context.Context, task state.TaskRecord) error {
	if task.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt == nil {
		task.CreatedAt = &now
	}
	if task.UpdatedAt == nil {
		task.UpdatedAt = &now
	}
	if task.State == "" {
		task.State = state.TaskPending
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.taskKey(task.TaskID), raw, s.ttl)
	pipe.ZAdd(ctx, s.taskIndexKey(), goredis.Z{
		Score:  float64(task.CreatedAt.UnixNano()),
		Member: task.TaskID,
	})
	pipe.Expire(ctx, s.taskIndexKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *Store) LoadTask(ctx context.Context, taskID string) (state.TaskRecord, error) {
	if strings.TrimSpace(taskID) == "" {
		return state.TaskRecord{}, fmt.Errorf("task_id is required")
	}
	raw, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return state.TaskRecord{}, state.ErrNotFound
		}
		return state.TaskRecord{}, fmt.Errorf("failed to load task: %w", err)
	}
	var task state.TaskRecord
	if err := json.Unmarshal(raw, &task); err != nil {
		return state.TaskRecord{}, fmt.Errorf("%w: task %q: %v", state.ErrCorrupt, taskID, err)
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, query state.ListTasksQuery) ([]state.TaskRecord, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}

	ids, err := s.client.ZRevRange(ctx, s.taskIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task ids: %w", err)
	}

	out := make([]state.TaskRecord, 0, limit)
	skipped := 0
	for _, id := range ids {
		task, err := s.LoadTask(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue // expired entry still in the index
			}
			return nil, err
		}
		if query.State != "" && task.State != query.State {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, task)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ExecuteStep serializes mutations of one task through a SET NX lock. Two
// writers racing on the same task block on the lock; writers on different
// tasks never contend.
func (s *Store) ExecuteStep(ctx context.Context, taskID string, fn state.StepFunc) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if fn == nil {
		return fmt.Errorf("step function is required")
	}

	token := uuid.NewString()
	lockKey := s.lockKey(taskID)
	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire task lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockAcquireInterval):
		}
	}
	defer func() {
		if current, err := s.client.Get(context.Background(), lockKey).Result(); err == nil && current == token {
			_ = s.client.Del(context.Background(), lockKey).Err()
		}
	}()

	task, err := s.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := fn(&task); err != nil {
		return err
	}
	now := time.Now().UTC()
	task.UpdatedAt = &now
	return s.SaveTask(ctx, task)
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint state.CheckpointRecord) error {
	if checkpoint.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if checkpoint.Seq < 0 {
		return fmt.Errorf("seq must be >= 0")
	}
	if checkpoint.Snapshot == nil {
		checkpoint.Snapshot = map[string]any{}
	}
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now().UTC()
	}

	key := s.checkpointKey(checkpoint.TaskID)
	existing, err := s.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: fmt.Sprintf("%d", checkpoint.Seq),
		Max: fmt.Sprintf("%d", checkpoint.Seq),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to check checkpoint seq: %w", err)
	}
	if len(existing) > 0 {
		return state.ErrConflict
	}

	raw, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(checkpoint.Seq), Member: raw})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LoadLatestCheckpoint(ctx context.Context, taskID string) (state.CheckpointRecord, error) {
	records, err := s.ListCheckpoints(ctx, taskID, 1)
	if err != nil {
		return state.CheckpointRecord{}, err
	}
	if len(records) == 0 {
		return state.CheckpointRecord{}, state.ErrNotFound
	}
	return records[0], nil
}

func (s *Store) ListCheckpoints(ctx context.Context, taskID string, limit int) ([]state.CheckpointRecord, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	raws, err := s.client.ZRevRange(ctx, s.checkpointKey(taskID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]state.CheckpointRecord, 0, len(raws))
	for _, raw := range raws {
		var record state.CheckpointRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("%w: checkpoint for task %q: %v", state.ErrCorrupt, taskID, err)
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) PruneCheckpoints(ctx context.Context, taskID string, keep int) (int, error) {
	if taskID == "" {
		return 0, fmt.Errorf("task_id is required")
	}
	if keep < 0 {
		keep = 0
	}
	removed, err := s.client.ZRemRangeByRank(ctx, s.checkpointKey(taskID), 0, int64(-(keep + 1))).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return int(removed), nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
