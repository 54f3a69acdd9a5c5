package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/model"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, amm.ErrNotFound},
		{"serialization", &pgconn.PgError{Code: "40001"}, amm.ErrStoreUnavailable},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, amm.ErrStoreUnavailable},
		{"connection", &pgconn.PgError{Code: "08006"}, amm.ErrStoreUnavailable},
		{"deadline", context.DeadlineExceeded, amm.ErrStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapErr("op", tt.err), tt.want)
		})
	}

	check := mapErr("op", &pgconn.PgError{Code: "23514"})
	assert.False(t, errors.Is(check, amm.ErrStoreUnavailable))
	assert.False(t, errors.Is(check, amm.ErrNotFound))
	assert.NoError(t, mapErr("op", nil))
}

func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.RunMigrations(ctx))
	// Idempotent.
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func pgMarket(t *testing.T, s *PostgresStore) *model.Market {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	m := &model.Market{
		ID:             id,
		Slug:           fmt.Sprintf("test-%s", id[:8]),
		Question:       "Will the test pass?",
		Type:           model.TypeBinary,
		Status:         model.StatusActive,
		TotalLiquidity: d(1000),
		Volume:         d(0),
		YesReserve:     d(1000),
		NoReserve:      d(1000),
		K:              d(1e6),
		PriceYes:       d(0.5),
		PriceNo:        d(0.5),
		LPSupply:       d(1000),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateMarket(context.Background(), m, nil))
	return m
}

func TestPostgres_TradeRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	m := pgMarket(t, s)
	user := "pg-" + uuid.NewString()

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.LockBalance(ctx, user)
		if err != nil {
			return err
		}
		b.Available = d(100)
		return tx.UpdateBalance(ctx, b)
	})
	require.NoError(t, err)

	orderID := uuid.NewString()
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		market, err := tx.LockMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, user)
		if err != nil {
			return err
		}
		pos, err := tx.LockPosition(ctx, user, m.ID, "YES")
		if err != nil {
			return err
		}
		assert.Nil(t, pos)

		market.Volume = d(10)
		market.NoReserve = d(1009.9)
		bal.Available = bal.Available.Sub(d(10))
		now := time.Now().UTC()
		return tx.WriteTrade(ctx, &TradeWrite{
			Market:   market,
			Balance:  bal,
			Position: &model.Position{UserID: user, MarketID: m.ID, Outcome: "YES", Shares: d(19.7), AvgCost: d(0.5076)},
			Order: &model.Order{ID: orderID, UserID: user, MarketID: m.ID, Outcome: "YES", Side: model.Buy,
				Amount: d(10), Shares: d(19.7), Price: d(0.5076), Fee: d(0.1), CreatedAt: now},
			Fee:    &model.FeeRecord{ID: uuid.NewString(), OrderID: orderID, MarketID: m.ID, UserID: user, Amount: d(0.1), CreatedAt: now},
			Prices: []model.PricePoint{{MarketID: m.ID, Outcome: "YES", Price: d(0.502), OrderID: orderID, Timestamp: now}},
		})
	})
	require.NoError(t, err)

	got, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Volume.Equal(d(10)))
	assert.True(t, got.NoReserve.Equal(d(1009.9)))

	bal, err := s.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(d(90)))

	positions, err := s.GetUserPositions(ctx, user)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Shares.Equal(d(19.7)))

	orders, err := s.GetOrdersByUser(ctx, user)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.Buy, orders[0].Side)

	history, err := s.GetPriceHistory(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPostgres_CheckConstraintRollsBack(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	user := "pg-" + uuid.NewString()

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		b, err := tx.LockBalance(ctx, user)
		if err != nil {
			return err
		}
		b.Available = d(-5)
		return tx.UpdateBalance(ctx, b)
	})
	require.Error(t, err)
	assert.False(t, amm.IsTransient(err))

	bal, err := s.GetBalance(ctx, user)
	require.NoError(t, err)
	assert.True(t, bal.Available.IsZero())
}

func TestPostgres_LockMarketBlocks(t *testing.T) {
	s := newTestPostgres(t)
	m := pgMarket(t, s)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockMarket(ctx, m.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockMarket(ctx, m.ID)
		return err
	})
	assert.ErrorIs(t, err, amm.ErrStoreUnavailable)

	close(release)
	require.NoError(t, <-done)
}
