package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/amm-engine/internal/amm"
	"github.com/atmx/amm-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// cross the driver as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records each one in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// InTx opens a read-committed transaction. Row locks come from
// SELECT ... FOR UPDATE inside pgTx and last until commit or rollback.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			// The caller's context may already be cancelled; rollback must still run.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit", err)
	}
	committed = true
	return nil
}

// mapErr attaches op to a driver error and translates it into the engine's
// taxonomy: missing rows become amm.ErrNotFound and transient failures
// amm.ErrStoreUnavailable.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, amm.ErrNotFound)
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, amm.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57014", // query_canceled
			"57P01", "57P02", "57P03": // admin/crash shutdown, cannot connect now
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08") // connection exceptions
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func parseDecimals(dst []*decimal.Decimal, src []string) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

const marketColumns = `id, slug, question, market_type, status,
	total_liquidity::TEXT, volume::TEXT, b::TEXT,
	yes_reserve::TEXT, no_reserve::TEXT, k::TEXT,
	price_yes::TEXT, price_no::TEXT, lp_supply::TEXT,
	created_at, updated_at`

func scanMarket(row scanner) (*model.Market, error) {
	var m model.Market
	var typ, status string
	var num [9]string
	if err := row.Scan(&m.ID, &m.Slug, &m.Question, &typ, &status,
		&num[0], &num[1], &num[2], &num[3], &num[4], &num[5], &num[6], &num[7], &num[8],
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Type = model.MarketType(typ)
	m.Status = model.MarketStatus(status)
	err := parseDecimals([]*decimal.Decimal{
		&m.TotalLiquidity, &m.Volume, &m.B,
		&m.YesReserve, &m.NoReserve, &m.K,
		&m.PriceYes, &m.PriceNo, &m.LPSupply,
	}, num[:])
	if err != nil {
		return nil, err
	}
	return &m, nil
}

const optionColumns = `id, market_id, option_index, label, reserve::TEXT, price::TEXT`

func scanOption(row scanner) (model.Option, error) {
	var o model.Option
	var reserve, price string
	if err := row.Scan(&o.ID, &o.MarketID, &o.OptionIndex, &o.Label, &reserve, &price); err != nil {
		return o, err
	}
	err := parseDecimals([]*decimal.Decimal{&o.Reserve, &o.Price}, []string{reserve, price})
	return o, err
}

func collectOptions(rows pgx.Rows) ([]model.Option, error) {
	defer rows.Close()
	var out []model.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const balanceColumns = `user_id, available::TEXT, locked::TEXT, updated_at`

func scanBalance(row scanner) (*model.Balance, error) {
	var b model.Balance
	var avail, locked string
	if err := row.Scan(&b.UserID, &avail, &locked, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals([]*decimal.Decimal{&b.Available, &b.Locked}, []string{avail, locked}); err != nil {
		return nil, err
	}
	return &b, nil
}

const positionColumns = `user_id, market_id, outcome, shares::TEXT, avg_cost::TEXT, updated_at`

func scanPosition(row scanner) (*model.Position, error) {
	var p model.Position
	var shares, avg string
	if err := row.Scan(&p.UserID, &p.MarketID, &p.Outcome, &shares, &avg, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals([]*decimal.Decimal{&p.Shares, &p.AvgCost}, []string{shares, avg}); err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const lpColumns = `user_id, market_id, lp_shares::TEXT, updated_at`

func scanLiquidityPosition(row scanner) (*model.LiquidityPosition, error) {
	var p model.LiquidityPosition
	var shares string
	if err := row.Scan(&p.UserID, &p.MarketID, &shares, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecimals([]*decimal.Decimal{&p.LPShares}, []string{shares}); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Transaction ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("lock market "+id, err)
	}
	return m, nil
}

func (t *pgTx) LockOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	// ORDER BY option_index fixes the lock acquisition order across
	// transactions.
	rows, err := t.tx.Query(ctx,
		`SELECT `+optionColumns+` FROM market_options
		 WHERE market_id = $1 ORDER BY option_index FOR UPDATE`, marketID)
	if err != nil {
		return nil, mapErr("lock options "+marketID, err)
	}
	opts, err := collectOptions(rows)
	if err != nil {
		return nil, mapErr("lock options "+marketID, err)
	}
	return opts, nil
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (*model.Balance, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, mapErr("create balance "+userID, err)
	}
	b, err := scanBalance(t.tx.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, mapErr("lock balance "+userID, err)
	}
	return b, nil
}

func (t *pgTx) LockPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 FOR UPDATE`,
		userID, marketID, outcome))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("lock position", err)
	}
	return p, nil
}

func (t *pgTx) LockLiquidityPosition(ctx context.Context, userID, marketID string) (*model.LiquidityPosition, error) {
	p, err := scanLiquidityPosition(t.tx.QueryRow(ctx,
		`SELECT `+lpColumns+` FROM liquidity_positions
		 WHERE user_id = $1 AND market_id = $2 FOR UPDATE`, userID, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("lock liquidity position", err)
	}
	return p, nil
}

func (t *pgTx) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, mapErr("read positions "+userID, err)
	}
	out, err := collectPositions(rows)
	return out, mapErr("read positions "+userID, err)
}

func queueMarketUpdate(b *pgx.Batch, m *model.Market, now time.Time) {
	b.Queue(`UPDATE markets
		 SET total_liquidity = $2::NUMERIC, volume = $3::NUMERIC, b = $4::NUMERIC,
		     yes_reserve = $5::NUMERIC, no_reserve = $6::NUMERIC, k = $7::NUMERIC,
		     price_yes = $8::NUMERIC, price_no = $9::NUMERIC, lp_supply = $10::NUMERIC,
		     updated_at = $11
		 WHERE id = $1`,
		m.ID, m.TotalLiquidity.String(), m.Volume.String(), m.B.String(),
		m.YesReserve.String(), m.NoReserve.String(), m.K.String(),
		m.PriceYes.String(), m.PriceNo.String(), m.LPSupply.String(), now)
}

func queueBalanceUpdate(b *pgx.Batch, bal *model.Balance, now time.Time) {
	b.Queue(`UPDATE balances SET available = $2::NUMERIC, locked = $3::NUMERIC, updated_at = $4
		 WHERE user_id = $1`,
		bal.UserID, bal.Available.String(), bal.Locked.String(), now)
}

func execBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch, op string) error {
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return mapErr(op, err)
		}
	}
	return mapErr(op, br.Close())
}

func (t *pgTx) WriteTrade(ctx context.Context, w *TradeWrite) error {
	if w.Market == nil || w.Balance == nil || w.Position == nil || w.Order == nil {
		return fmt.Errorf("incomplete trade write")
	}
	now := time.Now().UTC()
	b := &pgx.Batch{}

	queueMarketUpdate(b, w.Market, now)
	for _, o := range w.Options {
		b.Queue(`UPDATE market_options SET reserve = $2::NUMERIC, price = $3::NUMERIC WHERE id = $1`,
			o.ID, o.Reserve.String(), o.Price.String())
	}
	queueBalanceUpdate(b, w.Balance, now)

	p := w.Position
	if w.DeletePosition {
		b.Queue(`DELETE FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
			p.UserID, p.MarketID, p.Outcome)
	} else {
		b.Queue(`INSERT INTO positions (user_id, market_id, outcome, shares, avg_cost, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (user_id, market_id, outcome)
			 DO UPDATE SET shares = EXCLUDED.shares, avg_cost = EXCLUDED.avg_cost, updated_at = EXCLUDED.updated_at`,
			p.UserID, p.MarketID, p.Outcome, p.Shares.String(), p.AvgCost.String(), now)
	}

	o := w.Order
	b.Queue(`INSERT INTO orders (id, user_id, market_id, outcome, side, amount, shares, price, fee, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		o.ID, o.UserID, o.MarketID, o.Outcome, string(o.Side),
		o.Amount.String(), o.Shares.String(), o.Price.String(), o.Fee.String(), o.CreatedAt)

	if f := w.Fee; f != nil {
		b.Queue(`INSERT INTO fee_records (id, order_id, market_id, user_id, amount, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
			f.ID, f.OrderID, f.MarketID, f.UserID, f.Amount.String(), f.CreatedAt)
	}
	for _, pp := range w.Prices {
		b.Queue(`INSERT INTO price_history (market_id, outcome, price, order_id, timestamp)
			 VALUES ($1, $2, $3::NUMERIC, NULLIF($4, ''), $5)`,
			pp.MarketID, pp.Outcome, pp.Price.String(), pp.OrderID, pp.Timestamp)
	}

	return execBatch(ctx, t.tx, b, "write trade "+o.ID)
}

func (t *pgTx) WriteLiquidity(ctx context.Context, w *LiquidityWrite) error {
	if w.Market == nil || w.Balance == nil || w.Position == nil {
		return fmt.Errorf("incomplete liquidity write")
	}
	now := time.Now().UTC()
	b := &pgx.Batch{}

	queueMarketUpdate(b, w.Market, now)
	queueBalanceUpdate(b, w.Balance, now)

	p := w.Position
	if w.DeletePosition {
		b.Queue(`DELETE FROM liquidity_positions WHERE user_id = $1 AND market_id = $2`,
			p.UserID, p.MarketID)
	} else {
		b.Queue(`INSERT INTO liquidity_positions (user_id, market_id, lp_shares, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4)
			 ON CONFLICT (user_id, market_id)
			 DO UPDATE SET lp_shares = EXCLUDED.lp_shares, updated_at = EXCLUDED.updated_at`,
			p.UserID, p.MarketID, p.LPShares.String(), now)
	}

	return execBatch(ctx, t.tx, b, "write liquidity "+w.Market.ID)
}

func (t *pgTx) UpdateBalance(ctx context.Context, bal *model.Balance) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE balances SET available = $2::NUMERIC, locked = $3::NUMERIC, updated_at = $4
		 WHERE user_id = $1`,
		bal.UserID, bal.Available.String(), bal.Locked.String(), time.Now().UTC())
	return mapErr("update balance "+bal.UserID, err)
}

func (t *pgTx) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), time.Now().UTC())
	return mapErr("update market status "+id, err)
}

// --- Reads ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, options []model.Option) error {
	b := &pgx.Batch{}
	b.Queue(`INSERT INTO markets (id, slug, question, market_type, status,
		        total_liquidity, volume, b, yes_reserve, no_reserve, k,
		        price_yes, price_no, lp_supply, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16)`,
		m.ID, m.Slug, m.Question, string(m.Type), string(m.Status),
		m.TotalLiquidity.String(), m.Volume.String(), m.B.String(),
		m.YesReserve.String(), m.NoReserve.String(), m.K.String(),
		m.PriceYes.String(), m.PriceNo.String(), m.LPSupply.String(),
		m.CreatedAt, m.UpdatedAt)
	for _, o := range options {
		b.Queue(`INSERT INTO market_options (id, market_id, option_index, label, reserve, price)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC)`,
			o.ID, o.MarketID, o.OptionIndex, o.Label, o.Reserve.String(), o.Price.String())
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return execBatch(ctx, tx, b, "create market "+m.ID)
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get market "+id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE slug = $1`, slug))
	if err != nil {
		return nil, mapErr("get market by slug "+slug, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapErr("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, mapErr("list markets", rows.Err())
}

func (s *PostgresStore) GetOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+optionColumns+` FROM market_options WHERE market_id = $1 ORDER BY option_index`, marketID)
	if err != nil {
		return nil, mapErr("get options "+marketID, err)
	}
	opts, err := collectOptions(rows)
	return opts, mapErr("get options "+marketID, err)
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, mapErr("get balance "+userID, err)
	}
	return b, nil
}

func (s *PostgresStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, mapErr("get positions "+userID, err)
	}
	out, err := collectPositions(rows)
	return out, mapErr("get positions "+userID, err)
}

func (s *PostgresStore) GetLiquidityPositions(ctx context.Context, userID string) ([]model.LiquidityPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lpColumns+` FROM liquidity_positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, mapErr("get liquidity positions "+userID, err)
	}
	defer rows.Close()

	var out []model.LiquidityPosition
	for rows.Next() {
		p, err := scanLiquidityPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, mapErr("get liquidity positions "+userID, rows.Err())
}

const orderColumns = `id, user_id, market_id, outcome, side,
	amount::TEXT, shares::TEXT, price::TEXT, fee::TEXT, created_at`

func (s *PostgresStore) queryOrders(ctx context.Context, where string, arg string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE `+where+` = $1 ORDER BY created_at`, arg)
	if err != nil {
		return nil, mapErr("get orders", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		var side string
		var num [4]string
		if err := rows.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Outcome, &side,
			&num[0], &num[1], &num[2], &num[3], &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = model.TradeSide(side)
		if err := parseDecimals([]*decimal.Decimal{&o.Amount, &o.Shares, &o.Price, &o.Fee}, num[:]); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, mapErr("get orders", rows.Err())
}

func (s *PostgresStore) GetOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error) {
	return s.queryOrders(ctx, "market_id", marketID)
}

func (s *PostgresStore) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.queryOrders(ctx, "user_id", userID)
}

func (s *PostgresStore) GetFeeRecordsByMarket(ctx context.Context, marketID string) ([]model.FeeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, market_id, user_id, amount::TEXT, created_at
		 FROM fee_records WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, mapErr("get fee records", err)
	}
	defer rows.Close()

	var out []model.FeeRecord
	for rows.Next() {
		var f model.FeeRecord
		var amount string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.MarketID, &f.UserID, &amount, &f.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&f.Amount}, []string{amount}); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, mapErr("get fee records", rows.Err())
}

func (s *PostgresStore) GetPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PricePoint, error) {
	// LIMIT NULL is LIMIT ALL.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, outcome, price, COALESCE(order_id, ''), timestamp FROM (
		     SELECT id, market_id, outcome, price::TEXT AS price, order_id, timestamp
		     FROM price_history WHERE market_id = $1
		     ORDER BY id DESC LIMIT $2
		 ) h ORDER BY id`, marketID, lim)
	if err != nil {
		return nil, mapErr("get price history", err)
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price string
		if err := rows.Scan(&p.MarketID, &p.Outcome, &price, &p.OrderID, &p.Timestamp); err != nil {
			return nil, err
		}
		if err := parseDecimals([]*decimal.Decimal{&p.Price}, []string{price}); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr("get price history", rows.Err())
}
