package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ExclusiveOperation is the mutex long jobs hold to pause the sweeps.
const ExclusiveOperation = "exclusive-operation"

var ErrLockHeld = errors.New("lock is held by another owner")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Mutex hands out named locks stored in Redis. A lock expires after ttl unless extended,
// so a crashed holder cannot block other workflows forever.
type Mutex struct {
	c      redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewMutex(c redis.UniversalClient, prefix string, ttl time.Duration) *Mutex {
	if prefix == "" {
		prefix = "shipsync:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Mutex{c: c, prefix: prefix, ttl: ttl}
}

func (m *Mutex) key(name string) string {
	return m.prefix + ":" + name
}

// TryAcquire returns ErrLockHeld when another owner has the lock. Any other error means
// the store could not be asked and the caller should skip its cycle.
func (m *Mutex) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	token := uuid.NewString()
	ok, err := m.c.SetNX(ctx, m.key(name), token, m.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis lock acquire")
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{name: name, token: token, m: m}, nil
}

// Held reports whether anybody currently holds the lock.
func (m *Mutex) Held(ctx context.Context, name string) (bool, error) {
	n, err := m.c.Exists(ctx, m.key(name)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis lock exists")
	}
	return n > 0, nil
}

// Lock is an acquired named lock. Only the acquirer releases it.
type Lock struct {
	name     string
	token    string
	m        *Mutex
	released atomic.Bool
}

func (l *Lock) Name() string { return l.name }

// Release deletes the lock if it still carries this owner's token. Calling it twice is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := releaseScript.Run(ctx, l.m.c, []string{l.m.key(l.name)}, l.token).Err(); err != nil {
		l.released.Store(false)
		return errors.Wrap(err, "redis lock release")
	}
	return nil
}

// Extend pushes the expiry out by the mutex ttl. It returns ErrLockHeld when the lock
// expired and was taken by someone else.
func (l *Lock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.m.c, []string{l.m.key(l.name)}, l.token, l.m.ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Wrap(err, "redis lock extend")
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}
