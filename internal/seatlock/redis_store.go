package seatlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/cinema-seat-saga/internal/logging"
)

// deleteIfValueScript deletes each key whose value still matches ARGV[1],
// so a caller can never remove a lock that changed hands after it read it.
var deleteIfValueScript = redis.NewScript(`
	local deleted = 0
	for _, key in ipairs(KEYS) do
		if redis.call('GET', key) == ARGV[1] then
			deleted = deleted + redis.call('DEL', key)
		end
	end
	return deleted
`)

// expireIfValueScript refreshes the TTL of all keys, or none of them when
// any key is missing or owned by someone else.
var expireIfValueScript = redis.NewScript(`
	for _, key in ipairs(KEYS) do
		if redis.call('GET', key) ~= ARGV[1] then
			return 0
		end
	end
	for _, key in ipairs(KEYS) do
		redis.call('PEXPIRE', key, ARGV[2])
	end
	return #KEYS
`)

// RedisStore implements Store on a single Redis node.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{rdb: rdb} }

func (s *RedisStore) SetIfAbsent(ctx context.Context, keys []string, value string, ttl time.Duration) ([]bool, error) {
	cmds := make([]*redis.BoolCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.SetNX(ctx, k, value, ttl)
		}
		return nil
	})
	created := make([]bool, len(keys))
	for i, c := range cmds {
		if c != nil && c.Err() == nil {
			created[i] = c.Val()
		}
	}
	return created, err
}

func (s *RedisStore) Get(ctx context.Context, keys []string) ([]string, error) {
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteIfValue(ctx context.Context, keys []string, value string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := deleteIfValueScript.Run(ctx, s.rdb, keys, value).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisStore) ExpireIfValue(ctx context.Context, keys []string, value string, ttl time.Duration) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := expireIfValueScript.Run(ctx, s.rdb, keys, value, strconv.FormatInt(ttl.Milliseconds(), 10)).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SubscribeExpired listens on the keyevent channel of the client's
// database.  Expiry notifications are switched on best-effort; managed
// Redis offerings often forbid CONFIG SET and must be configured by the
// operator instead.
func (s *RedisStore) SubscribeExpired(ctx context.Context, fn func(key string)) error {
	if err := s.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("seatlock: could not enable keyspace notifications")
	}
	channel := fmt.Sprintf("__keyevent@%d__:expired", s.rdb.Options().DB)
	ps := s.rdb.Subscribe(ctx, channel)
	defer func() { _ = ps.Close() }()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("expiry subscription closed")
			}
			fn(msg.Payload)
		}
	}
}
