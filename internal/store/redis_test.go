package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/amm-engine/internal/model"
)

func newTestCache(t *testing.T) (*CachedStore, *MemoryStore, *redis.Client) {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, rdb
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	cs, primary, rdb := newTestCache(t)
	ctx := context.Background()
	m := seedBinary(t, primary, "cache-"+time.Now().Format("150405.000000000"))
	t.Cleanup(func() { rdb.Del(ctx, marketKey(m.ID), optionsKey(m.ID)) })

	got, err := cs.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.YesReserve.Equal(d(1000)))
	n, err := rdb.Exists(ctx, marketKey(m.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "market should be cached after first read")

	err = cs.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.UpdateMarketStatus(ctx, m.ID, model.StatusPending); err == nil {
			t.Error("status update without lock should fail")
		}
		if _, err := tx.LockMarket(ctx, m.ID); err != nil {
			return err
		}
		return tx.UpdateMarketStatus(ctx, m.ID, model.StatusPending)
	})
	require.NoError(t, err)

	n, err = rdb.Exists(ctx, marketKey(m.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "commit should invalidate the cached market")

	got, err = cs.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestCachedStore_FailedTxKeepsCache(t *testing.T) {
	cs, primary, rdb := newTestCache(t)
	ctx := context.Background()
	m := seedBinary(t, primary, "cache-keep-"+time.Now().Format("150405.000000000"))
	t.Cleanup(func() { rdb.Del(ctx, marketKey(m.ID)) })

	_, err := cs.GetMarket(ctx, m.ID)
	require.NoError(t, err)

	err = cs.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockMarket(ctx, m.ID); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	n, err := rdb.Exists(ctx, marketKey(m.ID)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
