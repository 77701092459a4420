package seatlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReleasedTTL bounds how long a released booking is remembered.  It
// outlives the extended hold, so a mapping that arrives late still finds
// the record.
const ReleasedTTL = 24 * time.Hour

func releasedKey(bookingID string) string {
	return "released:" + bookingID
}

// RedisReleaseLog records bookings whose seats were released, so a seat
// mapping delivered after the release can be recognised.
type RedisReleaseLog struct {
	rdb *redis.Client
}

// NewRedisReleaseLog wraps an existing client.
func NewRedisReleaseLog(rdb *redis.Client) *RedisReleaseLog { return &RedisReleaseLog{rdb: rdb} }

// MarkReleased remembers bookingID for ReleasedTTL.
func (l *RedisReleaseLog) MarkReleased(ctx context.Context, bookingID string) error {
	return l.rdb.Set(ctx, releasedKey(bookingID), 1, ReleasedTTL).Err()
}

// Released reports whether bookingID was released.
func (l *RedisReleaseLog) Released(ctx context.Context, bookingID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, releasedKey(bookingID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
