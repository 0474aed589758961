package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ticktalk/ticktalk/internal/database/testutil"
)

func TestDatabaseStoreLeaseLifecycle(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newFakeClock()
	store := NewDatabaseStore(db, clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "presence:s1:alice", []byte("1"), 30*time.Second))
	require.NoError(t, store.Set(ctx, "presence:s1:alice", []byte("2"), 30*time.Second))

	value, ok, err := store.Get(ctx, "presence:s1:alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), value)

	clock.Advance(31 * time.Second)
	_, ok, err = store.Get(ctx, "presence:s1:alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDatabaseStoreIncrementWithTTL(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newFakeClock()
	store := NewDatabaseStore(db, clock.Now)
	ctx := context.Background()

	count, _, err := store.IncrementWithTTL(ctx, "rl:client", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	count, ttl, err := store.IncrementWithTTL(ctx, "rl:client", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	require.Equal(t, time.Minute, ttl)

	clock.Advance(2 * time.Minute)
	count, _, err = store.IncrementWithTTL(ctx, "rl:client", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestDatabaseStoreDelete(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := NewDatabaseStore(db, nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("1"), 0))
	require.NoError(t, store.Delete(ctx, "a", "b"))

	_, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDatabaseStorePurgeExpired(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newFakeClock()
	store := NewDatabaseStore(db, clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "presence:s1:alice", []byte("1"), 10*time.Second))
	require.NoError(t, store.Set(ctx, "presence:s1:bob", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "pinned", []byte("1"), 0))

	clock.Advance(11 * time.Second)
	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, ok, err := store.Get(ctx, "presence:s1:bob")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = store.Get(ctx, "pinned")
	require.NoError(t, err)
	require.True(t, ok)
}
