package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xrgarcia/jerky-shipping-sub004/internal/models"
)

var ErrInvalidMessage = errors.New("change message has no identity")

const defaultKeyPrefix = "shipsync:changes"

// enqueueScript registers the identity in the in-flight hash and pushes the entry
// only when the identity was not already present.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[3])
return 1
`)

// releaseScript removes the in-flight marker only if it still belongs to the token.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

type entry struct {
	Token    string               `json:"token"`
	Identity string               `json:"identity"`
	Message  models.ChangeMessage `json:"message"`
}

// RedisQueue is the shared change queue: a Redis list of entries plus a hash of
// in-flight identities, each owned by the token of the entry that registered it.
type RedisQueue struct {
	c           *redis.Client
	listKey     string
	inFlightKey string
	deadKey     string
	now         func() time.Time
}

func New(addr string) *RedisQueue {
	return NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), "")
}

func NewWithClient(c *redis.Client, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisQueue{
		c:           c,
		listKey:     keyPrefix + ":queue",
		inFlightKey: keyPrefix + ":inflight",
		deadKey:     keyPrefix + ":undecodable",
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue pushes msg unless its identity is already in flight. It returns false
// without error for the duplicate case.
func (q *RedisQueue) Enqueue(ctx context.Context, msg models.ChangeMessage) (bool, error) {
	identity := msg.IdentityKey()
	if identity == "" {
		return false, ErrInvalidMessage
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.now()
	}
	e := entry{Token: uuid.NewString(), Identity: identity, Message: msg}
	b, err := json.Marshal(e)
	if err != nil {
		return false, errors.Wrap(err, "marshal change message")
	}

	n, err := enqueueScript.Run(ctx, q.c, []string{q.inFlightKey, q.listKey}, identity, e.Token, b).Int64()
	if err != nil {
		return false, errors.Wrap(err, "redis enqueue")
	}
	return n == 1, nil
}

// DequeueBatch pops up to max entries. Identities stay in flight until the returned
// claims are released.
func (q *RedisQueue) DequeueBatch(ctx context.Context, max int) ([]*Claim, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := q.c.LPopCount(ctx, q.listKey, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis dequeue")
	}

	claims := make([]*Claim, 0, len(raw))
	for _, s := range raw {
		var e entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			slog.Error("decode change message", "error", err.Error(), "raw", s)
			q.parkUndecodable(ctx, s)
			continue
		}
		claims = append(claims, &Claim{Message: e.Message, identity: e.Identity, token: e.Token, q: q})
	}
	return claims, nil
}

// ClearAllInFlight drops every in-flight marker. It is meant to run once at startup,
// before any claim of the current process exists.
func (q *RedisQueue) ClearAllInFlight(ctx context.Context) (int64, error) {
	pipe := q.c.TxPipeline()
	n := pipe.HLen(ctx, q.inFlightKey)
	pipe.Del(ctx, q.inFlightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "redis clear in-flight")
	}
	return n.Val(), nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.c.LLen(ctx, q.listKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis queue length")
	}
	return n, nil
}

// OldestEnqueuedAt returns the enqueue time of the head entry, or nil when the queue is empty.
func (q *RedisQueue) OldestEnqueuedAt(ctx context.Context) (*time.Time, error) {
	s, err := q.c.LIndex(ctx, q.listKey, 0).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis queue head")
	}
	var e entry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, errors.Wrap(err, "decode queue head")
	}
	t := e.Message.EnqueuedAt
	return &t, nil
}

// InFlight reports whether identity currently holds a marker.
func (q *RedisQueue) InFlight(ctx context.Context, identity string) (bool, error) {
	ok, err := q.c.HExists(ctx, q.inFlightKey, identity).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis in-flight lookup")
	}
	return ok, nil
}

func (q *RedisQueue) Close() error {
	return q.c.Close()
}

// parkUndecodable moves an entry that no longer decodes into the undecodable list and
// frees its identity when the envelope is still readable.
func (q *RedisQueue) parkUndecodable(ctx context.Context, raw string) {
	ctx = context.WithoutCancel(ctx)
	if err := q.c.RPush(ctx, q.deadKey, raw).Err(); err != nil {
		slog.Error("park undecodable change message", "error", err.Error(), "raw", raw)
	}
	var head struct {
		Token    string `json:"token"`
		Identity string `json:"identity"`
	}
	if json.Unmarshal([]byte(raw), &head) != nil || head.Identity == "" {
		return
	}
	if err := q.release(ctx, head.Identity, head.Token); err != nil {
		slog.Error("release undecodable identity", "identity", head.Identity, "error", err.Error())
	}
}

// Undecodable returns up to limit parked entries, oldest first.
func (q *RedisQueue) Undecodable(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := q.c.LRange(ctx, q.deadKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis undecodable list")
	}
	return out, nil
}

func (q *RedisQueue) release(ctx context.Context, identity, token string) error {
	if err := releaseScript.Run(ctx, q.c, []string{q.inFlightKey}, identity, token).Err(); err != nil {
		return errors.Wrap(err, "redis release in-flight")
	}
	return nil
}

// Claim is the ownership handle for one dequeued message. Only the holder of a claim
// can clear the in-flight marker of its identity, and only once.
type Claim struct {
	Message models.ChangeMessage

	identity string
	token    string
	q        *RedisQueue
	released atomic.Bool
}

func (c *Claim) Identity() string { return c.identity }

// Released reports whether Release already succeeded.
func (c *Claim) Released() bool { return c.released.Load() }

// Release removes the in-flight marker. Calling it again is a no-op; a failed call
// may be retried.
func (c *Claim) Release(ctx context.Context) error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.q.release(ctx, c.identity, c.token); err != nil {
		c.released.Store(false)
		return err
	}
	return nil
}
