package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelayoade/dotmac-platform-services-sub023/codec"
)

/*
Redis Layout:

workflow:wf:{id}        HASH  data (encoded workflow), version, status, type,
                              tenant, created (ns), updated (ns), dur (ns)
workflow:steps:{id}     HASH  step_id -> encoded step
workflow:stepver:{id}   HASH  step_id -> version
workflow:idem:{key}     STRING workflow id
workflow:by_created     ZSET  score = created (ns), member = workflow id
workflow:incomplete     ZSET  score = updated (ns), member = workflow id
*/

// RedisStore persists workflows in Redis. Version and status ride as
// hash fields next to the encoded payload so the compare-and-swap Lua
// scripts never have to decode it. List and Stats walk the created
// index; they are meant for operator tooling, not hot paths.
type RedisStore struct {
	client    redis.Cmdable
	codec     codec.Codec
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client:    client,
		codec:     codec.Default(),
		keyPrefix: "workflow:",
		logger:    slog.Default().With("component", "workflow.redis"),
	}
}

// WithCodec sets the payload codec. Defaults to JSON.
func (s *RedisStore) WithCodec(c codec.Codec) *RedisStore {
	if c != nil {
		s.codec = c
	}
	return s
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	if prefix != "" {
		s.keyPrefix = prefix
	}
	return s
}

// WithLogger sets a custom logger
func (s *RedisStore) WithLogger(l *slog.Logger) *RedisStore {
	s.logger = l
	return s
}

func (s *RedisStore) wfKey(id string) string        { return s.keyPrefix + "wf:" + id }
func (s *RedisStore) stepsKey(id string) string     { return s.keyPrefix + "steps:" + id }
func (s *RedisStore) stepVerKey(id string) string   { return s.keyPrefix + "stepver:" + id }
func (s *RedisStore) idemKey(key string) string     { return s.keyPrefix + "idem:" + key }
func (s *RedisStore) createdKey() string            { return s.keyPrefix + "by_created" }
func (s *RedisStore) incompleteKey() string         { return s.keyPrefix + "incomplete" }

func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step) error {
	now := time.Now().UTC()
	stamp(&wf.CreatedAt, now)
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}

	// UUID collisions do not happen in practice; a plain existence
	// check before the pipeline is enough.
	n, err := s.client.Exists(ctx, s.wfKey(wf.ID)).Result()
	if err != nil {
		return fmt.Errorf("check id: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, wf.ID)
	}

	data, err := s.codec.Encode(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	encodedSteps := make(map[string][]byte, len(steps))
	for _, step := range steps {
		stamp(&step.CreatedAt, now)
		step.UpdatedAt = now
		if step.Version == 0 {
			step.Version = 1
		}
		b, err := s.codec.Encode(step)
		if err != nil {
			return fmt.Errorf("encode step %s: %w", step.Name, err)
		}
		encodedSteps[step.ID] = b
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.wfKey(wf.ID),
			"data", data,
			"version", wf.Version,
			"status", string(wf.Status),
			"type", string(wf.Type),
			"tenant", wf.TenantID,
			"created", wf.CreatedAt.UnixNano(),
			"updated", wf.UpdatedAt.UnixNano(),
			"dur", 0,
		)
		p.ZAdd(ctx, s.createdKey(), redis.Z{Score: float64(wf.CreatedAt.UnixNano()), Member: wf.ID})
		p.ZAdd(ctx, s.incompleteKey(), redis.Z{Score: float64(wf.UpdatedAt.UnixNano()), Member: wf.ID})
		if wf.IdempotencyKey != "" {
			p.Set(ctx, s.idemKey(wf.IdempotencyKey), wf.ID, 0)
		}
		for _, step := range steps {
			p.HSet(ctx, s.stepsKey(wf.ID), step.ID, encodedSteps[step.ID])
			p.HSet(ctx, s.stepVerKey(wf.ID), step.ID, step.Version)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}

	s.logger.Debug("created workflow", "workflow_id", wf.ID, "workflow_type", wf.Type, "steps", len(steps))
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	data, err := s.client.HGet(ctx, s.wfKey(id), "data").Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf Workflow
	if err := s.codec.Decode(data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

func (s *RedisStore) GetSteps(ctx context.Context, workflowID string) ([]*Step, error) {
	raw, err := s.client.HGetAll(ctx, s.stepsKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get steps: %w", err)
	}
	if len(raw) == 0 {
		n, err := s.client.Exists(ctx, s.wfKey(workflowID)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
		return nil, nil
	}

	steps := make([]*Step, 0, len(raw))
	for _, data := range raw {
		var step Step
		if err := s.codec.Decode([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		steps = append(steps, &step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

// updateWorkflowScript swaps the payload when the stored version matches.
// Returns 0 on success, -1 when the key is gone, or the stored version
// on a conflict. Index upkeep happens in the same script so a crashed
// client cannot leave the incomplete set out of sync.
var updateWorkflowScript = redis.NewScript(`
	local v = redis.call('HGET', KEYS[1], 'version')
	if not v then return -1 end
	if v ~= ARGV[1] then return tonumber(v) end
	redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3],
		'status', ARGV[4], 'updated', ARGV[5], 'dur', ARGV[7])
	if ARGV[8] == '1' then
		redis.call('ZREM', KEYS[2], ARGV[6])
	else
		redis.call('ZADD', KEYS[2], ARGV[5], ARGV[6])
	end
	return 0
`)

func (s *RedisStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	next := wf.Clone()
	next.Version = wf.Version + 1
	next.UpdatedAt = now

	data, err := s.codec.Encode(next)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}

	var dur int64
	if wf.StartedAt != nil && wf.CompletedAt != nil {
		dur = wf.CompletedAt.Sub(*wf.StartedAt).Nanoseconds()
	}
	terminal := "0"
	if wf.Status.Terminal() {
		terminal = "1"
	}

	keys := []string{s.wfKey(wf.ID), s.incompleteKey()}
	n, err := updateWorkflowScript.Run(ctx, s.client, keys,
		strconv.FormatInt(wf.Version, 10),
		data,
		strconv.FormatInt(next.Version, 10),
		string(wf.Status),
		strconv.FormatInt(now.UnixNano(), 10),
		wf.ID,
		strconv.FormatInt(dur, 10),
		terminal,
	).Int64()
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	switch {
	case n == 0:
		wf.Version = next.Version
		wf.UpdatedAt = now
		return nil
	case n < 0:
		return fmt.Errorf("%w: %s", ErrNotFound, wf.ID)
	default:
		return NewVersionConflictError(wf.ID, wf.Version, n)
	}
}

// updateStepScript is the step-level counterpart of updateWorkflowScript.
var updateStepScript = redis.NewScript(`
	local v = redis.call('HGET', KEYS[2], ARGV[1])
	if not v then return -1 end
	if v ~= ARGV[2] then return tonumber(v) end
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
	redis.call('HSET', KEYS[2], ARGV[1], ARGV[4])
	return 0
`)

func (s *RedisStore) UpdateStep(ctx context.Context, step *Step) error {
	now := time.Now().UTC()
	next := step.Clone()
	next.Version = step.Version + 1
	next.UpdatedAt = now

	data, err := s.codec.Encode(next)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}

	keys := []string{s.stepsKey(step.WorkflowID), s.stepVerKey(step.WorkflowID)}
	n, err := updateStepScript.Run(ctx, s.client, keys,
		step.ID,
		strconv.FormatInt(step.Version, 10),
		data,
		strconv.FormatInt(next.Version, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	switch {
	case n == 0:
		step.Version = next.Version
		step.UpdatedAt = now
		return nil
	case n < 0:
		return fmt.Errorf("%w: %s", ErrNotFound, step.ID)
	default:
		return NewVersionConflictError(step.ID, step.Version, n)
	}
}

func (s *RedisStore) FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error) {
	id, err := s.client.Get(ctx, s.idemKey(key)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: idempotency key %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return s.GetWorkflow(ctx, id)
}

func (s *RedisStore) ListIncomplete(ctx context.Context, cutoff time.Time) ([]*Workflow, error) {
	max := "+inf"
	if !cutoff.IsZero() {
		max = "(" + strconv.FormatInt(cutoff.UnixNano(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.incompleteKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range incomplete: %w", err)
	}
	return s.fetchWorkflows(ctx, ids)
}

func (s *RedisStore) List(ctx context.Context, filter Filter, page Page) ([]*Workflow, string, error) {
	ids, err := s.client.ZRevRange(ctx, s.createdKey(), 0, -1).Result()
	if err != nil {
		return nil, "", fmt.Errorf("range created: %w", err)
	}

	var cursorAt int64
	var cursorID string
	if page.Cursor != "" {
		cursorAt, cursorID, err = decodeCursor(page.Cursor)
		if err != nil {
			return nil, "", err
		}
	}

	all, err := s.fetchWorkflows(ctx, ids)
	if err != nil {
		return nil, "", err
	}

	size := page.size()
	var out []*Workflow
	for _, wf := range all {
		if !filter.Matches(wf) {
			continue
		}
		if page.Cursor != "" {
			at := wf.CreatedAt.UnixNano()
			if at > cursorAt || (at == cursorAt && wf.ID >= cursorID) {
				continue
			}
		}
		out = append(out, wf)
		if len(out) > size {
			break
		}
	}

	next := ""
	if len(out) > size {
		out = out[:size]
		last := out[len(out)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

func (s *RedisStore) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	ids, err := s.client.ZRange(ctx, s.createdKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range created: %w", err)
	}

	st := &Stats{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[Type]int64),
	}
	if len(ids) == 0 {
		return st, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, s.wfKey(id), "status", "type", "tenant", "dur")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch stats: %w", err)
	}

	var durTotal int64
	var durCount int64
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 4 || vals[0] == nil {
			continue // deleted between range and fetch
		}
		status := Status(asString(vals[0]))
		typ := Type(asString(vals[1]))
		tenant := asString(vals[2])
		if tenantID != "" && tenant != tenantID {
			continue
		}
		st.Total++
		st.ByStatus[status]++
		st.ByType[typ]++
		if status == StatusCompleted {
			if d, err := strconv.ParseInt(asString(vals[3]), 10, 64); err == nil && d > 0 {
				durTotal += d
				durCount++
			}
		}
	}
	if durCount > 0 {
		st.AvgDuration = time.Duration(durTotal / durCount)
	}
	return st, nil
}

func (s *RedisStore) fetchWorkflows(ctx context.Context, ids []string) ([]*Workflow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, s.wfKey(id), "data")
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("fetch workflows: %w", err)
	}

	out := make([]*Workflow, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var wf Workflow
		if err := s.codec.Decode(data, &wf); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
