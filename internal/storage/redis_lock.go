package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/scoutflow/internal/log"
	"github.com/ignatij/scoutflow/pkg/service"
	"github.com/ignatij/scoutflow/pkg/storage"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "scoutflow:run-lock:"
	// DefaultLockTTL bounds how long a crashed holder can block a run.
	DefaultLockTTL = 10 * time.Minute
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a RunLocker shared by every process pointed at the same Redis.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	logger service.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   service.Logger // defaults to the process logger
}

func NewRedisLocker(opts RedisOptions) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, runID string) (func(), error) {
	key := lockKeyPrefix + runID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock for run %s: %w", runID, err)
	}
	if !ok {
		return nil, storage.ErrLocked
	}
	return func() {
		// release must outlive a cancelled caller context
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Warnf("Failed to release lock for run %s, it expires in %s: %v", runID, l.ttl, err)
		}
	}, nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
