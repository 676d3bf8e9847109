package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ QuotaStore = (*RedisQuotaStore)(nil)

// 滑动日志：有序集合以请求时间（毫秒）为 score
var hitRequestScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if n >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local first = now
  if oldest[2] then first = tonumber(oldest[2]) end
  return {0, n, first}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, n + 1, 0}
`)

var reserveSessionScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return {0, cur}
end
return {1, redis.call('INCR', KEYS[1])}
`)

var releaseSessionScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisQuotaStore 多实例共享的配额存储，每个操作是一段 Lua 脚本，对单个 owner 原子
type RedisQuotaStore struct {
	client redis.Scripter
}

func NewRedisQuotaStore(client redis.Scripter) *RedisQuotaStore {
	return &RedisQuotaStore{client: client}
}

func requestsKey(owner string) string { return "quota:" + owner + ":requests" }
func sessionsKey(owner string) string { return "quota:" + owner + ":sessions" }

func (s *RedisQuotaStore) HitRequest(ctx context.Context, owner string, limit int, window time.Duration, now time.Time) (bool, int, time.Time, error) {
	res, err := hitRequestScript.Run(ctx, s.client, []string{requestsKey(owner)},
		now.UnixMilli(), window.Milliseconds(), limit, fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, err
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, errors.New("unexpected script result")
	}
	if res[0] == 1 {
		return true, int(res[1]), time.Time{}, nil
	}
	return false, int(res[1]), time.UnixMilli(res[2]).Add(window), nil
}

func (s *RedisQuotaStore) ReserveSession(ctx context.Context, owner string, limit int) (bool, int, error) {
	res, err := reserveSessionScript.Run(ctx, s.client, []string{sessionsKey(owner)}, limit).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, errors.New("unexpected script result")
	}
	return res[0] == 1, int(res[1]), nil
}

func (s *RedisQuotaStore) ReleaseSession(ctx context.Context, owner string) error {
	return releaseSessionScript.Run(ctx, s.client, []string{sessionsKey(owner)}).Err()
}

func (s *RedisQuotaStore) Usage(ctx context.Context, owner string, window time.Duration, now time.Time) (int, int, error) {
	c, ok := s.client.(redis.Cmdable)
	if !ok {
		return 0, 0, errors.New("redis client does not support commands")
	}
	if err := c.ZRemRangeByScore(ctx, requestsKey(owner), "-inf", fmt.Sprint(now.Add(-window).UnixMilli())).Err(); err != nil {
		return 0, 0, err
	}
	requests, err := c.ZCard(ctx, requestsKey(owner)).Result()
	if err != nil {
		return 0, 0, err
	}
	sessions, err := c.Get(ctx, sessionsKey(owner)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}
	return int(requests), sessions, nil
}
