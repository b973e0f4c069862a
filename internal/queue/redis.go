package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/withObsrvr/obsrvr-command-router/internal/command"
)

// Every partition lives under one hash tag so its scripts stay on one slot.
//
//	cq:{moniker|agent|assetGroup|subject|kind}:items    hash   id -> command json
//	cq:{...}:visible                                    zset   id -> visible-at ms
//	cq:{...}:created                                    zset   id -> created ms
//
// A lease token is the visible-at score written by the pop that took it.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 and ARGV[5] == '0' then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('ZADD', KEYS[3], 'NX', ARGV[4], ARGV[1])
return 1
`)

var popScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZADD', KEYS[2], ARGV[2], id)
  table.insert(out, id)
  table.insert(out, redis.call('HGET', KEYS[1], id))
end
return out
`)

var replaceScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then
  return {-1}
end
if tonumber(score) ~= tonumber(ARGV[2]) then
  return {-2}
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return {1, redis.call('HGET', KEYS[1], ARGV[1])}
`)

var deleteScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then
  return 0
end
if tonumber(score) ~= tonumber(ARGV[2]) then
  return -2
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

var flushScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('HDEL', KEYS[1], id)
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZREM', KEYS[3], id)
end
return #ids
`)

// RedisBackend is a shard stored in Redis.
type RedisBackend struct {
	client  redis.UniversalClient
	moniker string
	kind    command.QueueStorageKind
	now     func() time.Time
}

// NewRedisBackend creates a shard backed by client.
func NewRedisBackend(client redis.UniversalClient, moniker string, kind command.QueueStorageKind) *RedisBackend {
	return &RedisBackend{
		client:  client,
		moniker: moniker,
		kind:    kind,
		now:     time.Now,
	}
}

func (r *RedisBackend) Moniker() string                { return r.moniker }
func (r *RedisBackend) Kind() command.QueueStorageKind { return r.kind }

type partitionKeys struct {
	items   string
	visible string
	created string
}

func (r *RedisBackend) keys(k PartitionKey) partitionKeys {
	base := fmt.Sprintf("cq:{%s|%s|%s|%s|%s}", r.moniker, k.AgentID, k.AssetGroupID, k.SubjectType, k.Kind)
	return partitionKeys{
		items:   base + ":items",
		visible: base + ":visible",
		created: base + ":created",
	}
}

func (p partitionKeys) list() []string { return []string{p.items, p.visible, p.created} }

func ms(t time.Time) int64 { return t.UnixMilli() }

// leaseUntil is strictly after now so a token is never reused by the next pop.
func leaseUntil(now time.Time, lease time.Duration) time.Time {
	if lease < time.Millisecond {
		lease = time.Millisecond
	}
	return now.Add(lease)
}

func (r *RedisBackend) Enqueue(ctx context.Context, key PartitionKey, cmd *command.Command, upsert bool) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	flag := "0"
	if upsert {
		flag = "1"
	}

	res, err := enqueueScript.Run(ctx, r.client, r.keys(key).list(),
		string(cmd.ID), data, ms(r.now()), ms(cmd.Timestamp), flag).Int()
	if err != nil {
		return fmt.Errorf("redis enqueue %s: %w", r.moniker, err)
	}
	if res == 0 {
		return ErrConflict
	}
	return nil
}

func (r *RedisBackend) Pop(ctx context.Context, key PartitionKey, maxItems int, lease time.Duration) ([]Item, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	now := r.now()
	until := leaseUntil(now, lease)
	token := strconv.FormatInt(ms(until), 10)

	res, err := popScript.Run(ctx, r.client, r.keys(key).list(), ms(now), ms(until), maxItems).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis pop %s: %w", r.moniker, err)
	}

	items := make([]Item, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		body, ok := res[i+1].(string)
		if !ok {
			// Hash entry vanished between the range and the read.
			continue
		}
		var cmd command.Command
		if err := json.Unmarshal([]byte(body), &cmd); err != nil {
			return items, fmt.Errorf("decode command %v: %w", res[i], err)
		}
		items = append(items, Item{
			Command: &cmd,
			Receipt: newReceipt(r.moniker, key, &cmd, token, time.UnixMilli(ms(until))),
		})
	}
	return items, nil
}

func (r *RedisBackend) Replace(ctx context.Context, key PartitionKey, rc LeaseReceipt, cmd *command.Command, lease time.Duration) (LeaseReceipt, error) {
	var data string
	if cmd != nil {
		b, err := json.Marshal(cmd)
		if err != nil {
			return LeaseReceipt{}, fmt.Errorf("encode command: %w", err)
		}
		data = string(b)
	}
	until := leaseUntil(r.now(), lease)

	res, err := replaceScript.Run(ctx, r.client, r.keys(key).list(),
		string(rc.CommandID), rc.Token, ms(until), data).Slice()
	if err != nil {
		return LeaseReceipt{}, fmt.Errorf("redis replace %s: %w", r.moniker, err)
	}
	if len(res) == 0 {
		return LeaseReceipt{}, fmt.Errorf("redis replace %s: empty reply", r.moniker)
	}
	switch code, _ := res[0].(int64); code {
	case -1:
		return LeaseReceipt{}, ErrNotFound
	case -2:
		return LeaseReceipt{}, ErrLeaseLost
	}

	body, _ := res[1].(string)
	var stored command.Command
	if err := json.Unmarshal([]byte(body), &stored); err != nil {
		return LeaseReceipt{}, fmt.Errorf("decode command %s: %w", rc.CommandID, err)
	}
	return newReceipt(r.moniker, key, &stored, strconv.FormatInt(ms(until), 10), time.UnixMilli(ms(until))), nil
}

func (r *RedisBackend) Delete(ctx context.Context, key PartitionKey, rc LeaseReceipt) error {
	res, err := deleteScript.Run(ctx, r.client, r.keys(key).list(), string(rc.CommandID), rc.Token).Int()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", r.moniker, err)
	}
	if res == -2 {
		return ErrLeaseLost
	}
	return nil
}

func (r *RedisBackend) Query(ctx context.Context, key PartitionKey, rc LeaseReceipt) (*command.Command, error) {
	body, err := r.client.HGet(ctx, r.keys(key).items, string(rc.CommandID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis query %s: %w", r.moniker, err)
	}
	var cmd command.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", rc.CommandID, err)
	}
	return &cmd, nil
}

func (r *RedisBackend) Stats(ctx context.Context, key PartitionKey) (Stats, error) {
	k := r.keys(key)
	now := strconv.FormatInt(ms(r.now()), 10)

	var total, pending *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.ZCard(ctx, k.visible)
		pending = p.ZCount(ctx, k.visible, "-inf", now)
		oldest = p.ZRangeWithScores(ctx, k.created, 0, 0)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("redis stats %s: %w", r.moniker, err)
	}

	s := Stats{
		Moniker:      r.moniker,
		AgentID:      key.AgentID,
		AssetGroupID: key.AssetGroupID,
		SubjectType:  key.SubjectType,
		Kind:         key.Kind,
		Pending:      pending.Val(),
		Leased:       total.Val() - pending.Val(),
	}
	if z := oldest.Val(); len(z) > 0 {
		s.OldestCreated = time.UnixMilli(int64(z[0].Score)).UTC()
	}
	return s, nil
}

func (r *RedisBackend) FlushByDate(ctx context.Context, key PartitionKey, before time.Time) (int, error) {
	n, err := flushScript.Run(ctx, r.client, r.keys(key).list(), ms(before)).Int()
	if err != nil {
		return 0, fmt.Errorf("redis flush %s: %w", r.moniker, err)
	}
	return n, nil
}
