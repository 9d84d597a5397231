package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Освобождение проверяет владельца: блокировка могла истечь и достаться другому процессу.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLocker реализует распределённую блокировку на SET NX PX для нескольких экземпляров сервиса.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
	logger        *zap.Logger
}

// NewRedisLocker создаёт распределённую блокировку с префиксом ключей prefix.
func NewRedisLocker(client *redis.Client, prefix string, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		client:        client,
		prefix:        prefix,
		expiration:    30 * time.Second,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    100,
		logger:        logger,
	}
}

// Key возвращает ключ Redis для блокировки key.
func (l *RedisLocker) Key(key string) string {
	return l.prefix + key
}

// Lock пытается захватить ключ, повторяя попытки с интервалом retryInterval.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.Key(key)
	token := uuid.NewString()

	for i := 0; i < l.maxRetries; i++ {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.expiration).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.unlock(redisKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	return nil, ErrLockFailed
}

func (l *RedisLocker) unlock(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.client.Eval(ctx, unlockScript, []string{redisKey}, token).Err(); err != nil {
		l.logger.Warn("release redis lock", zap.String("key", redisKey), zap.Error(err))
	}
}
