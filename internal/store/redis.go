package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/amm-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets, options and positions. Transactions always run against
// the primary, so locks and reserves are never served from cache; after a
// transaction commits, every market and user it locked is invalidated.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched touchedTx
	err := s.Store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		touched.Tx = tx
		return fn(ctx, &touched)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched.keys()...)
	return nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, options []model.Option) error {
	if err := s.Store.CreateMarket(ctx, m, options); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID), optionsKey(m.ID))
	return nil
}

// touchedTx records which cached rows a transaction locked.
type touchedTx struct {
	Tx
	markets []string
	users   []string
}

func (t *touchedTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	t.markets = append(t.markets, id)
	return t.Tx.LockMarket(ctx, id)
}

func (t *touchedTx) LockBalance(ctx context.Context, userID string) (*model.Balance, error) {
	t.users = append(t.users, userID)
	return t.Tx.LockBalance(ctx, userID)
}

func (t *touchedTx) keys() []string {
	var keys []string
	for _, id := range t.markets {
		keys = append(keys, marketKey(id), optionsKey(id))
	}
	for _, uid := range t.users {
		keys = append(keys, positionsKey(uid))
	}
	return keys
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.get(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	mp, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, marketKey(id), mp)
	return mp, nil
}

func (s *CachedStore) GetOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	var opts []model.Option
	if s.get(ctx, optionsKey(marketID), &opts) {
		return opts, nil
	}

	opts, err := s.Store.GetOptions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, optionsKey(marketID), opts)
	return opts, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.Store.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Cache helpers ---

// get reports a hit only when the key exists and decodes. Redis errors are
// treated as misses so a cache outage degrades to primary reads.
func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("cache read failed", "key", key, "error", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Debug("cache write failed", "key", key, "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	// The commit already happened; a cancelled request must not leave stale keys.
	if err := s.rdb.Del(context.WithoutCancel(ctx), keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "error", err)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func optionsKey(id string) string    { return fmt.Sprintf("market:%s:options", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
