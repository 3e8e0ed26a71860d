package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loyalty-notify/internal/models"
)

// RedisBufferStore shares merge buffers between processes. Each buffer is a
// hash holding its generation and metadata plus a list of event JSON; an
// index set tracks open keys.
type RedisBufferStore struct {
	client   *redis.Client
	prefix   string
	indexKey string
}

type bufferMeta struct {
	Key             models.BufferKey            `json:"key"`
	Generation      string                      `json:"generation"`
	ProgramID       string                      `json:"program_id"`
	MergeWindowEnds time.Time                   `json:"merge_window_ends"`
	Settings        models.NotificationSettings `json:"settings"`
}

// NewRedisBufferStore builds a store with keys under prefix.
func NewRedisBufferStore(client *redis.Client, prefix string) *RedisBufferStore {
	if prefix == "" {
		prefix = "notify:"
	}
	return &RedisBufferStore{
		client:   client,
		prefix:   prefix,
		indexKey: prefix + "buffers",
	}
}

func (s *RedisBufferStore) metaKey(k models.BufferKey) string {
	return s.prefix + "buf:" + k.String()
}

func (s *RedisBufferStore) eventsKey(k models.BufferKey) string {
	return s.prefix + "buf:" + k.String() + ":events"
}

func indexMember(k models.BufferKey) (string, error) {
	b, err := json.Marshal(k)
	return string(b), err
}

func (s *RedisBufferStore) Get(ctx context.Context, key models.BufferKey) (*models.NotificationBuffer, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGet(ctx, s.metaKey(key), "meta")
	eventsCmd := pipe.LRange(ctx, s.eventsKey(key), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read buffer %s: %w", key, err)
	}
	meta, err := metaCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read buffer %s: %w", key, err)
	}
	return decodeBuffer(meta, eventsCmd.Val())
}

func (s *RedisBufferStore) Create(ctx context.Context, buf models.NotificationBuffer) error {
	meta, err := json.Marshal(bufferMeta{
		Key:             buf.Key,
		Generation:      buf.Generation,
		ProgramID:       buf.ProgramID,
		MergeWindowEnds: buf.MergeWindowEnds,
		Settings:        buf.Settings,
	})
	if err != nil {
		return fmt.Errorf("encode buffer meta: %w", err)
	}
	events := make([]any, 0, len(buf.Events))
	for _, ev := range buf.Events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		events = append(events, string(raw))
	}
	member, err := indexMember(buf.Key)
	if err != nil {
		return fmt.Errorf("encode buffer key: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.metaKey(buf.Key), s.eventsKey(buf.Key))
	pipe.HSet(ctx, s.metaKey(buf.Key), "generation", buf.Generation, "meta", string(meta))
	if len(events) > 0 {
		pipe.RPush(ctx, s.eventsKey(buf.Key), events...)
	}
	pipe.SAdd(ctx, s.indexKey, member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create buffer %s: %w", buf.Key, err)
	}
	return nil
}

func (s *RedisBufferStore) Append(ctx context.Context, key models.BufferKey, ev models.NotificationEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	n, err := appendScript.Run(ctx, s.client, []string{s.metaKey(key), s.eventsKey(key)}, string(raw)).Int64()
	if err != nil {
		return fmt.Errorf("append to buffer %s: %w", key, err)
	}
	if n == 0 {
		return errNoBuffer
	}
	return nil
}

func (s *RedisBufferStore) Take(ctx context.Context, key models.BufferKey, generation string) (*models.NotificationBuffer, error) {
	member, err := indexMember(key)
	if err != nil {
		return nil, fmt.Errorf("encode buffer key: %w", err)
	}
	res, err := takeScript.Run(ctx, s.client,
		[]string{s.metaKey(key), s.eventsKey(key), s.indexKey},
		generation, member,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take buffer %s: %w", key, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return decodeBuffer(res[0], res[1:])
}

func (s *RedisBufferStore) Keys(ctx context.Context) ([]models.BufferKey, error) {
	members, err := s.client.SMembers(ctx, s.indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list buffers: %w", err)
	}
	keys := make([]models.BufferKey, 0, len(members))
	for _, m := range members {
		var k models.BufferKey
		if err := json.Unmarshal([]byte(m), &k); err != nil {
			return nil, fmt.Errorf("decode buffer key %q: %w", m, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func decodeBuffer(meta string, events []string) (*models.NotificationBuffer, error) {
	var m bufferMeta
	if err := json.Unmarshal([]byte(meta), &m); err != nil {
		return nil, fmt.Errorf("decode buffer meta: %w", err)
	}
	buf := &models.NotificationBuffer{
		Key:             m.Key,
		Generation:      m.Generation,
		ProgramID:       m.ProgramID,
		MergeWindowEnds: m.MergeWindowEnds,
		Settings:        m.Settings,
		Events:          make([]models.NotificationEvent, 0, len(events)),
	}
	for _, raw := range events {
		var ev models.NotificationEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		buf.Events = append(buf.Events, ev)
	}
	return buf, nil
}

// appendScript pushes an event only while the buffer hash exists.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// takeScript atomically reads and deletes a buffer, optionally guarded by
// generation. It returns {meta, event...} or nil.
var takeScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[1], 'generation')
if not gen then
  return nil
end
if ARGV[1] ~= '' and gen ~= ARGV[1] then
  return nil
end
local meta = redis.call('HGET', KEYS[1], 'meta')
local events = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[2])
table.insert(events, 1, meta)
return events
`)
