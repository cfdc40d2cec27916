package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never removes a newer holder's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const releaseTimeout = 2 * time.Second

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrInvalidLease      = errors.New("invalid_lease")
)

// Locker hands out single-key Redis leases. A nil Locker stands for a single
// replica: WithLock runs the function directly.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

// Lease is a held lock. It expires on its own after the TTL.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, release: redis.NewScript(releaseScript)}
}

// Acquire returns a lease on key, or nil when another holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}

// WithLock runs fn while holding key. It reports false without calling fn
// when the lease is held elsewhere.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if l == nil || l.client == nil {
		return true, fn(ctx)
	}
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil || lease == nil {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = lease.Release(releaseCtx)
	}()
	return true, fn(ctx)
}
