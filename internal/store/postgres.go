package store

import (
	"context"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"paper-trader/internal/models"
	"paper-trader/pkg/utils"
)

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pgRepo
	pool *pgxpool.Pool
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRepo runs queries against a pool or a transaction. Inside a transaction
// order and holding reads take row locks.
type pgRepo struct {
	q      pgQuerier
	locked bool
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		last_price NUMERIC NOT NULL,
		previous_close NUMERIC NOT NULL,
		change NUMERIC NOT NULL,
		change_percent NUMERIC NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		volume BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (symbol, exchange)
	)`,
	`CREATE TABLE IF NOT EXISTS ticks (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		last_price NUMERIC NOT NULL,
		change NUMERIC NOT NULL,
		change_percent NUMERIC NOT NULL,
		volume BIGINT NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		order_type TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		price NUMERIC NOT NULL,
		trigger_price NUMERIC NOT NULL,
		product_type TEXT NOT NULL,
		validity TEXT NOT NULL,
		status TEXT NOT NULL,
		executed_quantity BIGINT NOT NULL DEFAULT 0,
		executed_price NUMERIC NOT NULL,
		order_value NUMERIC NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		executed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		modified_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS holdings (
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity BIGINT NOT NULL CHECK (quantity > 0),
		avg_price NUMERIC NOT NULL,
		total_invested NUMERIC NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, symbol, exchange)
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		avg_price NUMERIC NOT NULL,
		product_type TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		equity NUMERIC NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ticks_symbol ON ticks(symbol, id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, symbol, trade_date)`,
}

// NewPostgresStore connects to PostgreSQL, retrying while the server comes
// up, and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	// Register shopspring decimal
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &PostgresStore{pgRepo: pgRepo{q: pool}, pool: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// WithTx runs fn inside a READ COMMITTED transaction with row locking reads.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgRepo{q: tx, locked: true})
	})
}

func (r *pgRepo) lockClause() string {
	if r.locked {
		return " FOR UPDATE"
	}
	return ""
}

// Instruments

func (r *pgRepo) queryInstruments(ctx context.Context, query string, args ...any) ([]models.Instrument, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	insts := make([]models.Instrument, 0)
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		insts = append(insts, *inst)
	}
	return insts, rows.Err()
}

func (r *pgRepo) GetInstrument(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error) {
	inst, err := scanInstrument(r.q.QueryRow(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE symbol = $1 AND exchange = $2", symbol, exchange))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return inst, nil
}

func (r *pgRepo) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, "SELECT "+instrumentColumns+" FROM instruments ORDER BY symbol, exchange")
}

func (r *pgRepo) ListActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, "SELECT "+instrumentColumns+" FROM instruments WHERE is_active ORDER BY symbol, exchange")
}

func (r *pgRepo) FindInstruments(ctx context.Context, symbols []string) ([]models.Instrument, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return []models.Instrument{}, nil
	}
	return r.queryInstruments(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE symbol = ANY($1) ORDER BY symbol, exchange", symbols)
}

func (r *pgRepo) SaveInstrument(ctx context.Context, inst *models.Instrument) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO instruments (`+instrumentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (symbol, exchange) DO UPDATE SET
			name = EXCLUDED.name, last_price = EXCLUDED.last_price, previous_close = EXCLUDED.previous_close,
			change = EXCLUDED.change, change_percent = EXCLUDED.change_percent, open = EXCLUDED.open,
			high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close, volume = EXCLUDED.volume,
			is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
	`, inst.Symbol, inst.Exchange, inst.Name, inst.LastPrice, inst.PreviousClose, inst.Change,
		inst.ChangePercent, inst.OHLC.Open, inst.OHLC.High, inst.OHLC.Low, inst.OHLC.Close,
		inst.Volume, inst.Active, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save instrument: %w", err)
	}
	return nil
}

func (r *pgRepo) AppendTick(ctx context.Context, tick *models.Tick) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO ticks (symbol, exchange, last_price, change, change_percent, volume, open, high, low, close, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tick.Symbol, tick.Exchange, tick.LastPrice, tick.Change, tick.ChangePercent, tick.Volume,
		tick.OHLC.Open, tick.OHLC.High, tick.OHLC.Low, tick.OHLC.Close, tick.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append tick: %w", err)
	}
	return nil
}

func (r *pgRepo) GetTicks(ctx context.Context, symbol string, limit int) ([]models.Tick, error) {
	query := `SELECT symbol, exchange, last_price, change, change_percent, volume, open, high, low, close, ts
		FROM ticks WHERE symbol = $1 ORDER BY id DESC`
	args := []any{symbol}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	ticks := make([]models.Tick, 0)
	for rows.Next() {
		var t models.Tick
		if err := rows.Scan(&t.Symbol, &t.Exchange, &t.LastPrice, &t.Change, &t.ChangePercent, &t.Volume,
			&t.OHLC.Open, &t.OHLC.High, &t.OHLC.Low, &t.OHLC.Close, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// Orders

func scanPgOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Exchange, &o.Type, &o.Side, &o.Quantity, &o.Price,
		&o.TriggerPrice, &o.Product, &o.Validity, &o.Status, &o.ExecutedQuantity, &o.ExecutedPrice,
		&o.OrderValue, &o.RejectionReason, &o.CreatedAt, &o.ExecutedAt, &o.CancelledAt, &o.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *pgRepo) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			order_type = EXCLUDED.order_type, quantity = EXCLUDED.quantity, price = EXCLUDED.price,
			trigger_price = EXCLUDED.trigger_price, status = EXCLUDED.status,
			executed_quantity = EXCLUDED.executed_quantity, executed_price = EXCLUDED.executed_price,
			order_value = EXCLUDED.order_value, rejection_reason = EXCLUDED.rejection_reason,
			executed_at = EXCLUDED.executed_at, cancelled_at = EXCLUDED.cancelled_at,
			modified_at = EXCLUDED.modified_at
	`, o.ID, o.UserID, o.Symbol, o.Exchange, o.Type, o.Side, o.Quantity, o.Price, o.TriggerPrice,
		o.Product, o.Validity, o.Status, o.ExecutedQuantity, o.ExecutedPrice, o.OrderValue,
		o.RejectionReason, o.CreatedAt, o.ExecutedAt, o.CancelledAt, o.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (r *pgRepo) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanPgOrder(r.q.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1"+r.lockClause(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (r *pgRepo) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		query += " AND user_id = " + arg(filter.UserID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = " + arg(filter.Symbol)
	}
	if filter.Exchange != "" {
		query += " AND exchange = " + arg(string(filter.Exchange))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += " AND status = ANY(" + arg(statuses) + ")"
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		o, err := scanPgOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// Holdings

func (r *pgRepo) GetHolding(ctx context.Context, key models.HoldingKey) (*models.Holding, error) {
	h, err := scanHolding(r.q.QueryRow(ctx,
		"SELECT "+holdingColumns+" FROM holdings WHERE user_id = $1 AND symbol = $2 AND exchange = $3"+r.lockClause(),
		key.UserID, key.Symbol, key.Exchange))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

func (r *pgRepo) SaveHolding(ctx context.Context, h *models.Holding) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO holdings (`+holdingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, symbol, exchange) DO UPDATE SET
			quantity = EXCLUDED.quantity, avg_price = EXCLUDED.avg_price,
			total_invested = EXCLUDED.total_invested, updated_at = EXCLUDED.updated_at
	`, h.UserID, h.Symbol, h.Exchange, h.Quantity, h.AvgPrice, h.TotalInvested, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

func (r *pgRepo) DeleteHolding(ctx context.Context, key models.HoldingKey) error {
	_, err := r.q.Exec(ctx, "DELETE FROM holdings WHERE user_id = $1 AND symbol = $2 AND exchange = $3",
		key.UserID, key.Symbol, key.Exchange)
	if err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

func (r *pgRepo) ListHoldings(ctx context.Context, userID string) ([]models.Holding, error) {
	query := "SELECT " + holdingColumns + " FROM holdings"
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = $1"
		args = append(args, userID)
	}
	query += " ORDER BY user_id, symbol, exchange"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	holdings := make([]models.Holding, 0)
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

// Positions

func (r *pgRepo) AppendPosition(ctx context.Context, p *models.Position) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO positions (id, user_id, order_id, symbol, exchange, quantity, avg_price, product_type, trade_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.UserID, p.OrderID, p.Symbol, p.Exchange, p.Quantity, p.AvgPrice, p.Product, p.TradeDate, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append position: %w", err)
	}
	return nil
}

func (r *pgRepo) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := `SELECT id, user_id, order_id, symbol, exchange, quantity, avg_price, product_type, trade_date, created_at
		FROM positions WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		query += " AND user_id = " + arg(filter.UserID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = " + arg(filter.Symbol)
	}
	if filter.Exchange != "" {
		query += " AND exchange = " + arg(string(filter.Exchange))
	}
	if filter.Product != "" {
		query += " AND product_type = " + arg(string(filter.Product))
	}
	if filter.TradeDate != "" {
		query += " AND trade_date = " + arg(filter.TradeDate)
	}
	query += " ORDER BY seq"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]models.Position, 0)
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.OrderID, &p.Symbol, &p.Exchange, &p.Quantity, &p.AvgPrice,
			&p.Product, &p.TradeDate, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Accounts

func (r *pgRepo) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var a models.Account
	err := r.q.QueryRow(ctx, "SELECT user_id, equity, updated_at FROM accounts WHERE user_id = $1"+r.lockClause(), userID).
		Scan(&a.UserID, &a.Equity, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// EnsureAccount inserts the account row when missing. A concurrent
// transaction inserting the same user waits on the unique index, so a
// following FOR UPDATE read always finds a row to lock.
func (r *pgRepo) EnsureAccount(ctx context.Context, a *models.Account) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (user_id, equity, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, a.UserID, a.Equity, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (r *pgRepo) SaveAccount(ctx context.Context, a *models.Account) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO accounts (user_id, equity, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET equity = EXCLUDED.equity, updated_at = EXCLUDED.updated_at
	`, a.UserID, a.Equity, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}
