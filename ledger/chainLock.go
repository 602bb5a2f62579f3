package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"gorm.io/gorm"
)

// ChainLocker serializes appends to a single chain tail. The lock must be held
// for the full read-tail + insert window; without it two concurrent sealers can
// read the same "last hash" and fork the chain.
type ChainLocker interface {
	Acquire(ctx context.Context, tx *gorm.DB, key string) (release func(), err error)
}

// MySQLAdvisoryLocker serializes appends across instances using MySQL advisory
// locks. GET_LOCK is connection-scoped, so it must be acquired on the same
// transaction handle that performs the append.
type MySQLAdvisoryLocker struct {
	TimeoutSeconds int
}

func (l *MySQLAdvisoryLocker) Acquire(ctx context.Context, tx *gorm.DB, key string) (func(), error) {
	timeout := l.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	var ok int
	if err := tx.WithContext(ctx).Raw("SELECT GET_LOCK(?, ?)", key, timeout).Scan(&ok).Error; err != nil {
		return nil, err
	}
	if ok != 1 {
		return nil, fmt.Errorf("could not acquire chain lock %q", key)
	}
	release := func() {
		var released int
		_ = tx.Raw("SELECT RELEASE_LOCK(?)", key).Scan(&released).Error
	}
	return release, nil
}

// RedisChainLocker serializes appends across instances via redislock. It ignores
// the transaction handle: the lock lives in Redis, not on the connection.
type RedisChainLocker struct {
	Client *redislock.Client
	TTL    time.Duration
}

func (l *RedisChainLocker) Acquire(ctx context.Context, _ *gorm.DB, key string) (func(), error) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock, err := l.Client.Obtain(ctx, "chainlock:"+key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.ExponentialBackoff(50*time.Millisecond, 2*time.Second), 10),
	})
	if err != nil {
		return nil, err
	}
	release := func() {
		_ = lock.Release(context.Background())
	}
	return release, nil
}

// LocalChainLocker serializes appends within one process. Sufficient for tests
// and single-instance deployments.
type LocalChainLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalChainLocker() *LocalChainLocker {
	return &LocalChainLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalChainLocker) Acquire(_ context.Context, _ *gorm.DB, key string) (func(), error) {
	l.mu.Lock()
	m, exists := l.locks[key]
	if !exists {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock, nil
}
