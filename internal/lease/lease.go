package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a per-automation, time-bounded exclusive claim. Exactly one
// dispatcher instance may hold an automation's lease at a time; a crashed
// holder's lease expires on its own and another instance takes over.
type Store interface {
	// Acquire claims the automation for owner, failing if someone else holds it.
	Acquire(ctx context.Context, automationID uint, owner string, ttl time.Duration) (bool, error)
	// Renew extends the claim, only if owner still holds it.
	Renew(ctx context.Context, automationID uint, owner string, ttl time.Duration) (bool, error)
	// Release drops the claim, only if owner still holds it.
	Release(ctx context.Context, automationID uint, owner string) (bool, error)
	// Held reports whether anyone currently holds the automation's lease.
	Held(ctx context.Context, automationID uint) (bool, error)
}

func Key(automationID uint) string {
	return fmt.Sprintf("lease:automation:%d", automationID)
}

// RedisStore keeps leases in redis so they are shared across dispatcher
// instances and expire without any process being alive.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Acquire(ctx context.Context, automationID uint, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, Key(automationID), owner, ttl).Result()
}

// renewScript extends the TTL only while the caller still owns the lease.
var renewScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	else
		return 0
	end`)

func (s *RedisStore) Renew(ctx context.Context, automationID uint, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{Key(automationID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	else
		return 0
	end`)

func (s *RedisStore) Release(ctx context.Context, automationID uint, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{Key(automationID)}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Held(ctx context.Context, automationID uint) (bool, error) {
	_, err := s.rdb.Get(ctx, Key(automationID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
