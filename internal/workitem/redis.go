package workitem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//	wi:{queue}:items    hash   id -> envelope json
//	wi:{queue}:visible  zset   id -> visible-at ms
//
// The lease token is the visible-at score written by the pop.
var wiPopScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local raw = redis.call('HGET', KEYS[1], id)
if not raw then
  redis.call('ZREM', KEYS[2], id)
  return false
end
local env = cjson.decode(raw)
env['attempt'] = (env['attempt'] or 0) + 1
raw = cjson.encode(env)
redis.call('HSET', KEYS[1], id, raw)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, raw}
`)

var wiCompleteScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

var wiRetryScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

type envelope struct {
	Body       []byte `json:"body"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBackend stores work items in Redis.
type RedisBackend struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

func wiKeys(queue string) []string {
	base := fmt.Sprintf("wi:{%s}", queue)
	return []string{base + ":items", base + ":visible"}
}

func (r *RedisBackend) Push(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	now := r.now()
	raw, err := json.Marshal(envelope{Body: body, EnqueuedAt: now.UnixMilli()})
	if err != nil {
		return err
	}

	keys := wiKeys(queue)
	id := uuid.NewString()
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keys[0], id, raw)
		p.ZAdd(ctx, keys[1], redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis push %s: %w", queue, err)
	}
	return nil
}

func (r *RedisBackend) Pop(ctx context.Context, queue string, lease time.Duration) (*Message, error) {
	now := r.now()
	if lease < time.Millisecond {
		lease = time.Millisecond
	}
	token := now.Add(lease).UnixMilli()

	res, err := wiPopScript.Run(ctx, r.client, wiKeys(queue), now.UnixMilli(), token).Slice()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis pop %s: %w", queue, err)
	}
	if len(res) != 2 {
		return nil, ErrEmpty
	}

	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode work item %s: %w", id, err)
	}

	return &Message{
		ID:         id,
		Queue:      queue,
		Body:       env.Body,
		Attempt:    env.Attempt,
		EnqueuedAt: time.UnixMilli(env.EnqueuedAt),
		Token:      strconv.FormatInt(token, 10),
	}, nil
}

func (r *RedisBackend) Complete(ctx context.Context, msg *Message) error {
	n, err := wiCompleteScript.Run(ctx, r.client, wiKeys(msg.Queue), msg.ID, msg.Token).Int()
	if err != nil {
		return fmt.Errorf("redis complete %s: %w", msg.Queue, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBackend) Retry(ctx context.Context, msg *Message, body []byte, delay time.Duration) error {
	raw, err := json.Marshal(envelope{Body: body, Attempt: msg.Attempt, EnqueuedAt: msg.EnqueuedAt.UnixMilli()})
	if err != nil {
		return err
	}
	visible := r.now().Add(delay).UnixMilli()

	n, err := wiRetryScript.Run(ctx, r.client, wiKeys(msg.Queue), msg.ID, msg.Token, visible, raw).Int()
	if err != nil {
		return fmt.Errorf("redis retry %s: %w", msg.Queue, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBackend) Len(ctx context.Context, queue string) (int, error) {
	n, err := r.client.HLen(ctx, wiKeys(queue)[0]).Result()
	return int(n), err
}
