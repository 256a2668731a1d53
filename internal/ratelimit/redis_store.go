package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "authflow:ratelimit:"

// fixedWindowScript は上限未満の場合のみINCRし、最初のINCRでウィンドウ幅のTTLを設定する。
// 戻り値は許可なら1、拒否なら0。
var fixedWindowScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore はRedisでカウンタを共有するLimiter実装。
// 複数インスタンス構成でのレート制限に使う。
type RedisStore struct {
	client *redis.Client
	config Config
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client *redis.Client, config Config) *RedisStore {
	return &RedisStore{client: client, config: config}
}

// NewRedisClient はURLからRedisクライアントを生成し、接続を確認する。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Allow はkeyのリクエストを許可するか判定する。
func (s *RedisStore) Allow(ctx context.Context, key string) (bool, error) {
	n, err := fixedWindowScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		s.config.MaxRequests, s.config.Window.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ Limiter = (*RedisStore)(nil)
