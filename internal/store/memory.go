package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Row locks are one-slot channels keyed by row, so a transaction waiting on
// a lock can give up when its context is cancelled. Writes are staged on the
// transaction and applied under mu only at commit; a rolled-back
// transaction leaves nothing behind.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	options   map[string][]model.Option // by market ID, option-index order
	balances  map[string]*model.Balance
	positions map[positionKey]*model.Position
	lps       map[lpKey]*model.LiquidityPosition
	orders    []model.Order
	fees      []model.FeeRecord
	history   []model.PricePoint

	lockMu sync.Mutex
	locks  map[string]chan struct{}
}

type positionKey struct{ user, market, outcome string }

type lpKey struct{ user, market string }

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		options:   make(map[string][]model.Option),
		balances:  make(map[string]*model.Balance),
		positions: make(map[positionKey]*model.Position),
		lps:       make(map[lpKey]*model.LiquidityPosition),
		locks:     make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) rowLock(key string) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// InTx runs fn with a fresh transaction and commits its staged writes if fn
// succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{s: s, held: make(map[string]chan struct{})}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: commit: %v", amm.ErrStoreUnavailable, err)
	}
	tx.commit()
	return nil
}

type memTx struct {
	s      *MemoryStore
	held   map[string]chan struct{}
	order  []string
	staged []func(s *MemoryStore)
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.s.rowLock(key)
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		t.order = append(t.order, key)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: lock %s: %v", amm.ErrStoreUnavailable, key, ctx.Err())
	}
}

func (t *memTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.held[t.order[i]]
	}
	t.held = nil
	t.order = nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, apply := range t.staged {
		apply(t.s)
	}
	t.staged = nil
}

func (t *memTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	if err := t.lock(ctx, "market:"+id); err != nil {
		return nil, err
	}
	return t.s.GetMarket(ctx, id)
}

func (t *memTx) LockOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	if err := t.lock(ctx, "options:"+marketID); err != nil {
		return nil, err
	}
	return t.s.GetOptions(ctx, marketID)
}

func (t *memTx) LockBalance(ctx context.Context, userID string) (*model.Balance, error) {
	if err := t.lock(ctx, "balance:"+userID); err != nil {
		return nil, err
	}
	return t.s.GetBalance(ctx, userID)
}

func (t *memTx) LockPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error) {
	if err := t.lock(ctx, fmt.Sprintf("position:%s:%s:%s", userID, marketID, outcome)); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.positions[positionKey{userID, marketID, outcome}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) LockLiquidityPosition(ctx context.Context, userID, marketID string) (*model.LiquidityPosition, error) {
	if err := t.lock(ctx, fmt.Sprintf("lp:%s:%s", userID, marketID)); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.lps[lpKey{userID, marketID}]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return t.s.GetUserPositions(ctx, userID)
}

// checkBalance mirrors the CHECK constraints of the SQL schema.
func checkBalance(b *model.Balance) error {
	if b.Available.IsNegative() || b.Locked.IsNegative() {
		return fmt.Errorf("balance %s would go negative (available %s)", b.UserID, b.Available)
	}
	return nil
}

func (t *memTx) requireHeld(key string) error {
	if _, ok := t.held[key]; !ok {
		return fmt.Errorf("write to %s without holding its lock", key)
	}
	return nil
}

func (t *memTx) WriteTrade(_ context.Context, w *TradeWrite) error {
	if w.Market == nil || w.Balance == nil || w.Position == nil || w.Order == nil {
		return fmt.Errorf("incomplete trade write")
	}
	if err := t.requireHeld("market:" + w.Market.ID); err != nil {
		return err
	}
	if err := t.requireHeld("balance:" + w.Balance.UserID); err != nil {
		return err
	}
	if err := checkBalance(w.Balance); err != nil {
		return err
	}
	if w.Position.Shares.IsNegative() {
		return fmt.Errorf("position shares would go negative: %s", w.Position.Shares)
	}

	market := *w.Market
	balance := *w.Balance
	pos := *w.Position
	order := *w.Order
	var options []model.Option
	if len(w.Options) > 0 {
		if err := t.requireHeld("options:" + market.ID); err != nil {
			return err
		}
		options = append(options, w.Options...)
	}
	var fee *model.FeeRecord
	if w.Fee != nil {
		f := *w.Fee
		fee = &f
	}
	prices := append([]model.PricePoint(nil), w.Prices...)
	deletePos := w.DeletePosition

	t.staged = append(t.staged, func(s *MemoryStore) {
		s.markets[market.ID] = &market
		if options != nil {
			s.options[market.ID] = options
		}
		s.balances[balance.UserID] = &balance
		key := positionKey{pos.UserID, pos.MarketID, pos.Outcome}
		if deletePos {
			delete(s.positions, key)
		} else {
			s.positions[key] = &pos
		}
		s.orders = append(s.orders, order)
		if fee != nil {
			s.fees = append(s.fees, *fee)
		}
		s.history = append(s.history, prices...)
	})
	return nil
}

func (t *memTx) WriteLiquidity(_ context.Context, w *LiquidityWrite) error {
	if w.Market == nil || w.Balance == nil || w.Position == nil {
		return fmt.Errorf("incomplete liquidity write")
	}
	if err := t.requireHeld("market:" + w.Market.ID); err != nil {
		return err
	}
	if err := checkBalance(w.Balance); err != nil {
		return err
	}
	if w.Position.LPShares.IsNegative() {
		return fmt.Errorf("lp shares would go negative: %s", w.Position.LPShares)
	}

	market := *w.Market
	balance := *w.Balance
	pos := *w.Position
	deletePos := w.DeletePosition

	t.staged = append(t.staged, func(s *MemoryStore) {
		s.markets[market.ID] = &market
		s.balances[balance.UserID] = &balance
		key := lpKey{pos.UserID, pos.MarketID}
		if deletePos {
			delete(s.lps, key)
		} else {
			s.lps[key] = &pos
		}
	})
	return nil
}

func (t *memTx) UpdateBalance(_ context.Context, b *model.Balance) error {
	if err := t.requireHeld("balance:" + b.UserID); err != nil {
		return err
	}
	if err := checkBalance(b); err != nil {
		return err
	}
	balance := *b
	t.staged = append(t.staged, func(s *MemoryStore) {
		s.balances[balance.UserID] = &balance
	})
	return nil
}

func (t *memTx) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	if err := t.requireHeld("market:" + id); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.staged = append(t.staged, func(s *MemoryStore) {
		if m, ok := s.markets[id]; ok {
			m.Status = status
			m.UpdatedAt = now
		}
	})
	return nil
}

// --- Reads ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, options []model.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	for _, existing := range s.markets {
		if existing.Slug == m.Slug {
			return fmt.Errorf("market with slug %s already exists", m.Slug)
		}
	}

	// Store copies to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	if len(options) > 0 {
		opts := append([]model.Option(nil), options...)
		sort.Slice(opts, func(i, j int) bool { return opts[i].OptionIndex < opts[j].OptionIndex })
		s.options[m.ID] = opts
	}
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, amm.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Slug == slug {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market %s: %w", slug, amm.ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetOptions(_ context.Context, marketID string) ([]model.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Option(nil), s.options[marketID]...), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return &model.Balance{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero}, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.user == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

func (s *MemoryStore) GetLiquidityPositions(_ context.Context, userID string) ([]model.LiquidityPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LiquidityPosition
	for k, p := range s.lps {
		if k.user == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *MemoryStore) GetOrdersByMarket(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, o)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetFeeRecordsByMarket(_ context.Context, marketID string) ([]model.FeeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FeeRecord
	for _, f := range s.fees {
		if f.MarketID == marketID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, p := range s.history {
		if p.MarketID == marketID {
			result = append(result, p)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
