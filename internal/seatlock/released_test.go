package seatlock_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-saga/internal/seatlock"
)

func TestReleaseLog(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := seatlock.NewRedisReleaseLog(rdb)
	ctx := context.Background()

	ok, err := log.Released(ctx, "B1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.MarkReleased(ctx, "B1"))
	require.NoError(t, log.MarkReleased(ctx, "B1"))
	ok, err = log.Released(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, seatlock.ReleasedTTL, mr.TTL("released:B1"))

	mr.FastForward(seatlock.ReleasedTTL)
	ok, err = log.Released(ctx, "B1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseLogErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := seatlock.NewRedisReleaseLog(rdb)
	mr.Close()

	assert.Error(t, log.MarkReleased(context.Background(), "B1"))
	_, err := log.Released(context.Background(), "B1")
	assert.Error(t, err)
}
