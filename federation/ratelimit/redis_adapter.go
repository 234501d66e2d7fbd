package ratelimit

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// RedisAdapter wraps *redis.Client to satisfy redisClient, so NewRedis can
// be constructed directly from a go-redis connection:
//
//	limiter := ratelimit.NewRedis(&ratelimit.RedisAdapter{Client: rdb}, 100, time.Second, "gw")
type RedisAdapter struct {
	Client *goredis.Client
}

// Eval implements redisClient.
func (a *RedisAdapter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) redisResult {
	return a.Client.Eval(ctx, script, keys, args...)
}
