package scheduler

import (
	"context"
	"sync"
	"time"

	"call-orchestrator/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisLocker keeps leases in Redis (SET NX PX plus a compare-and-delete release).
type RedisLocker struct {
	Client *redis.Client
}

func (r RedisLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return utils.AcquireLease(ctx, r.Client, key, holder, ttl)
}

func (r RedisLocker) Release(ctx context.Context, key, holder string) error {
	return utils.ReleaseLease(ctx, r.Client, key, holder)
}

// MemoryLocker is a single-process Locker for tests and local runs.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	holder  string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]memoryLease{}, now: time.Now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[key] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLocker) Release(ctx context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && cur.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

// Holder returns the current holder of key, or "" when the lease is free.
func (m *MemoryLocker) Holder(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || !m.now().Before(cur.expires) {
		return ""
	}
	return cur.holder
}
