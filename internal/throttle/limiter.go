// Package throttle はアカウント単位の固定ウィンドウ制限をRedis上で提供する。
// IP単位の制限はmiddleware.RateLimiterが担う。
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/clinicman/internal/model"
)

// ErrUnavailable はRedisに到達できないことを表す。
// 呼び出し側は制限なしとして処理を続けてよい。
var ErrUnavailable = errors.New("throttle store unavailable")

// Limiter はキー単位の試行回数制限のインターフェース。
// 制限超過時は *model.RateLimitError を返す。
type Limiter interface {
	// Check はキーが既に上限に達していないかを確認する。カウントは増やさない。
	Check(ctx context.Context, key string) error
	// Hit はカウントを1増やし、上限を超えた場合はエラーを返す。
	Hit(ctx context.Context, key string) error
	// Reset はキーのカウントを破棄する。
	Reset(ctx context.Context, key string) error
}

// RedisLimiter はINCRとEXPIRE NXによる固定ウィンドウのLimiter実装。
type RedisLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter はRedisLimiterを生成する。
// prefixはキー空間の分離に使う（例: "login", "forgot"）。
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &RedisLimiter{
		redis:  client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

func (l *RedisLimiter) key(k string) string {
	return "throttle:" + l.prefix + ":" + k
}

// Check はカウントが上限以上であれば *model.RateLimitError を返す。
func (l *RedisLimiter) Check(ctx context.Context, key string) error {
	count, err := l.redis.Get(ctx, l.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count >= l.limit {
		return l.limited(ctx, key)
	}
	return nil
}

// Hit はカウントを増やし、ウィンドウ内で上限を超えた場合は *model.RateLimitError を返す。
// INCRとEXPIRE NXはMULTI/EXECで送り、TTLの無いカウンターが残らないようにする。
func (l *RedisLimiter) Hit(ctx context.Context, key string) error {
	k := l.key(key)
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if incr.Val() > l.limit {
		return l.limited(ctx, key)
	}
	return nil
}

// Reset はカウントを削除する。
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// limited は残りTTLをRetryAfterに載せたエラーを返す。
func (l *RedisLimiter) limited(ctx context.Context, key string) error {
	ttl, err := l.redis.TTL(ctx, l.key(key)).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	return &model.RateLimitError{RetryAfter: ttl}
}

// Nop は常に許可するLimiter。REDIS_URL未設定時に使う。
type Nop struct{}

func (Nop) Check(context.Context, string) error { return nil }
func (Nop) Hit(context.Context, string) error   { return nil }
func (Nop) Reset(context.Context, string) error { return nil }

// compile-time interface checks
var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = Nop{}
)
