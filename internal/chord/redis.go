package chord

import (
	"context"
	"dmagma/config"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	metaKey    = "chord:{%s}:meta"    // hash: campaign_id, total, terminal, state, fired, detail, created_at
	membersKey = "chord:{%s}:members" // hash: member -> MemberState
	resultsKey = "chord:{%s}:results" // hash: member -> result

	defaultTTL = 7 * 24 * time.Hour
)

// script return codes
const (
	codeUnknownChord  = -1
	codeUnknownMember = -2
	codeExists        = -3
)

// ARGV: campaign_id, ttl_seconds, created_at, member...
var openScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -3
end
local total = #ARGV - 3
redis.call('HSET', KEYS[1], 'campaign_id', ARGV[1], 'total', total, 'terminal', 0, 'state', 'pending', 'created_at', ARGV[3])
for i = 4, #ARGV do
	redis.call('HSET', KEYS[2], ARGV[i], 'pending')
end
local fired = 0
if total == 0 then
	redis.call('HSET', KEYS[1], 'fired', 1, 'state', 'reducing')
	fired = 1
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return fired
`)

// ARGV: member
var runningScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local state = redis.call('HGET', KEYS[2], ARGV[1])
if not state then
	return -2
end
if state == 'pending' then
	redis.call('HSET', KEYS[2], ARGV[1], 'running')
end
return 0
`)

// ARGV: member, state, result, ttl_seconds
var arriveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local state = redis.call('HGET', KEYS[2], ARGV[1])
if not state then
	return -2
end
if state == 'succeeded' or state == 'failed' then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('EXPIRE', KEYS[3], ARGV[4])
local terminal = redis.call('HINCRBY', KEYS[1], 'terminal', 1)
local total = tonumber(redis.call('HGET', KEYS[1], 'total'))
if terminal >= total and redis.call('HSETNX', KEYS[1], 'fired', 1) == 1 then
	redis.call('HSET', KEYS[1], 'state', 'reducing')
	return 1
end
return 0
`)

// ARGV: state, detail, ttl_seconds
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'detail', ARGV[2])
for i = 1, #KEYS do
	redis.call('EXPIRE', KEYS[i], ARGV[3])
end
return 0
`)

// Redis is a Barrier shared by every scheduler and worker process. Each
// transition is a single Lua script, so concurrent arrivals are serialized by
// the server.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedis(client *redis.Client, cfg *config.AppConfig, logger *zap.Logger) *Redis {
	ttl := cfg.Chord.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl, logger: logger.Named("chord")}
}

func keys(handle string) []string {
	return []string{
		fmt.Sprintf(metaKey, handle),
		fmt.Sprintf(membersKey, handle),
		fmt.Sprintf(resultsKey, handle),
	}
}

func (r *Redis) ttlSeconds() int64 {
	return int64(r.ttl / time.Second)
}

func codeError(code int64) error {
	switch code {
	case codeUnknownChord:
		return ErrUnknownChord
	case codeUnknownMember:
		return ErrUnknownMember
	case codeExists:
		return ErrChordExists
	}
	return nil
}

func (r *Redis) Open(ctx context.Context, c Chord) (bool, error) {
	if err := c.validate(); err != nil {
		return false, err
	}

	args := make([]any, 0, len(c.Members)+3)
	args = append(args, c.CampaignID, r.ttlSeconds(), time.Now().UTC().Format(time.RFC3339Nano))
	for _, m := range c.Members {
		args = append(args, m)
	}

	code, err := openScript.Run(ctx, r.client, keys(c.Handle)[:2], args...).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to open chord %s: %w", c.Handle, err)
	}
	if err := codeError(code); err != nil {
		return false, err
	}
	r.logger.Debug("Opened chord", zap.String("handle", c.Handle), zap.Int("members", len(c.Members)))
	return code == 1, nil
}

func (r *Redis) MarkRunning(ctx context.Context, handle, member string) error {
	code, err := runningScript.Run(ctx, r.client, keys(handle)[:2], member).Int64()
	if err != nil {
		return fmt.Errorf("failed to mark %s running: %w", member, err)
	}
	return codeError(code)
}

func (r *Redis) Arrive(ctx context.Context, handle, member string, outcome Outcome) (bool, error) {
	if err := checkOutcome(outcome); err != nil {
		return false, err
	}

	code, err := arriveScript.Run(ctx, r.client, keys(handle),
		member, string(outcome.State), outcome.Result, r.ttlSeconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to record arrival of %s: %w", member, err)
	}
	if err := codeError(code); err != nil {
		return false, err
	}
	if code == 1 {
		r.logger.Debug("Chord fired", zap.String("handle", handle), zap.String("last_member", member))
	}
	return code == 1, nil
}

func (r *Redis) Finish(ctx context.Context, handle string, state State, detail string) error {
	if err := checkFinal(state); err != nil {
		return err
	}
	code, err := finishScript.Run(ctx, r.client, keys(handle), string(state), detail, r.ttlSeconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to finish chord %s: %w", handle, err)
	}
	return codeError(code)
}

func (r *Redis) Status(ctx context.Context, handle string) (*Status, error) {
	k := keys(handle)
	pipe := r.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, k[0])
	membersCmd := pipe.HGetAll(ctx, k[1])
	resultsCmd := pipe.HGetAll(ctx, k[2])
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read chord %s: %w", handle, err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, ErrUnknownChord
	}

	status := &Status{
		Handle:     handle,
		CampaignID: meta["campaign_id"],
		State:      State(meta["state"]),
		Detail:     meta["detail"],
		Members:    make([]Member, 0, len(membersCmd.Val())),
	}
	status.Total, _ = strconv.Atoi(meta["total"])
	status.Terminal, _ = strconv.Atoi(meta["terminal"])
	status.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta["created_at"])

	results := resultsCmd.Val()
	for id, state := range membersCmd.Val() {
		status.Members = append(status.Members, Member{
			ID:     id,
			State:  MemberState(state),
			Result: results[id],
		})
	}
	finalizeStatus(status)
	return status, nil
}
