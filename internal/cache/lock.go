package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrLockHeld = errors.New("lock already held by another process")

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const extendScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// NewRedisClient connects and pings with the pool settings used across services
func NewRedisClient(addr, password string, db int, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", addr))
	return client, nil
}

// Locker hands out SetNX locks shared by every replica
type Locker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewLocker(client *redis.Client, prefix string, logger *zap.Logger) *Locker {
	if prefix == "" {
		prefix = "settlement:lock:"
	}
	return &Locker{client: client, prefix: prefix, logger: logger}
}

type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// TryAcquire makes a single SetNX attempt
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	key := l.prefix + resource
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	l.logger.Debug("lock acquired",
		zap.String("resource", resource),
		zap.Duration("ttl", ttl))

	return &Lock{client: l.client, key: key, token: token, ttl: ttl}, nil
}

// Acquire retries until the lock is free or ctx is done
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	var lock *Lock
	op := func() error {
		var err error
		lock, err = l.TryAcquire(ctx, resource, ttl)
		if err != nil && !errors.Is(err, ErrLockHeld) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return lock, nil
}

// Release deletes the key only if this lock still owns it
func (lk *Lock) Release(ctx context.Context) error {
	result, err := lk.client.Eval(ctx, releaseScript, []string{lk.key}, lk.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("lock not owned by this token (expired or stolen)")
	}
	return nil
}

func (lk *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := lk.client.Eval(ctx, extendScript, []string{lk.key}, lk.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("lock not owned by this token")
	}
	lk.ttl = ttl
	return nil
}
