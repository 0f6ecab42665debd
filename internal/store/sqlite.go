package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"paper-trader/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	sqliteRepo
	db *sql.DB
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqliteRepo struct {
	q dbtx
}

// NewSQLiteStore creates a new SQLite-based data store. Transactions begin
// IMMEDIATE so concurrent writers serialize on the database lock instead of
// failing on upgrade.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		sqliteRepo: sqliteRepo{q: db},
		db:         db,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Instruments: authoritative current market state
	CREATE TABLE IF NOT EXISTS instruments (
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		last_price TEXT NOT NULL,
		previous_close TEXT NOT NULL,
		change TEXT NOT NULL,
		change_percent TEXT NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (symbol, exchange)
	);

	-- Tick history, append only
	CREATE TABLE IF NOT EXISTS ticks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		last_price TEXT NOT NULL,
		change TEXT NOT NULL,
		change_percent TEXT NOT NULL,
		volume INTEGER NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	-- Orders are never deleted
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		order_type TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL,
		trigger_price TEXT NOT NULL,
		product_type TEXT NOT NULL,
		validity TEXT NOT NULL,
		status TEXT NOT NULL,
		executed_quantity INTEGER NOT NULL DEFAULT 0,
		executed_price TEXT NOT NULL,
		order_value TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		executed_at DATETIME,
		cancelled_at DATETIME,
		modified_at DATETIME
	);

	-- Delivery holdings, one row per (user, symbol, exchange)
	CREATE TABLE IF NOT EXISTS holdings (
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		avg_price TEXT NOT NULL,
		total_invested TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, symbol, exchange)
	);

	-- Intraday positions, one row per executed order
	CREATE TABLE IF NOT EXISTS positions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		avg_price TEXT NOT NULL,
		product_type TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	-- Cash ledger
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		equity TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_ticks_symbol ON ticks(symbol, id);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
	CREATE INDEX IF NOT EXISTS idx_positions_user ON positions(user_id, symbol, trade_date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Repository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteRepo{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Instruments

const instrumentColumns = `symbol, exchange, name, last_price, previous_close, change, change_percent,
	open, high, low, close, volume, is_active, updated_at`

func scanInstrument(row rowScanner) (*models.Instrument, error) {
	var inst models.Instrument
	err := row.Scan(&inst.Symbol, &inst.Exchange, &inst.Name, &inst.LastPrice, &inst.PreviousClose,
		&inst.Change, &inst.ChangePercent, &inst.OHLC.Open, &inst.OHLC.High, &inst.OHLC.Low,
		&inst.OHLC.Close, &inst.Volume, &inst.Active, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *sqliteRepo) queryInstruments(ctx context.Context, query string, args ...interface{}) ([]models.Instrument, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
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

// GetInstrument returns one instrument.
func (r *sqliteRepo) GetInstrument(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+instrumentColumns+" FROM instruments WHERE symbol = ? AND exchange = ?",
		symbol, exchange)
	inst, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return inst, nil
}

// ListInstruments returns every instrument.
func (r *sqliteRepo) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, "SELECT "+instrumentColumns+" FROM instruments ORDER BY symbol, exchange")
}

// ListActiveInstruments returns the instruments the simulator drives.
func (r *sqliteRepo) ListActiveInstruments(ctx context.Context) ([]models.Instrument, error) {
	return r.queryInstruments(ctx, "SELECT "+instrumentColumns+" FROM instruments WHERE is_active = 1 ORDER BY symbol, exchange")
}

// FindInstruments returns instruments matching any of symbols.
func (r *sqliteRepo) FindInstruments(ctx context.Context, symbols []string) ([]models.Instrument, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return []models.Instrument{}, nil
	}
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = s
	}
	return r.queryInstruments(ctx, "SELECT "+instrumentColumns+" FROM instruments WHERE symbol IN ("+
		placeholders(len(symbols))+") ORDER BY symbol, exchange", args...)
}

// SaveInstrument upserts an instrument as a single row write.
func (r *sqliteRepo) SaveInstrument(ctx context.Context, inst *models.Instrument) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO instruments (`+instrumentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.Symbol, inst.Exchange, inst.Name, inst.LastPrice, inst.PreviousClose, inst.Change,
		inst.ChangePercent, inst.OHLC.Open, inst.OHLC.High, inst.OHLC.Low, inst.OHLC.Close,
		inst.Volume, inst.Active, inst.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save instrument: %w", err)
	}
	return nil
}

// AppendTick appends to the tick history.
func (r *sqliteRepo) AppendTick(ctx context.Context, tick *models.Tick) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ticks (symbol, exchange, last_price, change, change_percent, volume, open, high, low, close, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tick.Symbol, tick.Exchange, tick.LastPrice, tick.Change, tick.ChangePercent, tick.Volume,
		tick.OHLC.Open, tick.OHLC.High, tick.OHLC.Low, tick.OHLC.Close, tick.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append tick: %w", err)
	}
	return nil
}

// GetTicks returns the newest ticks for symbol first.
func (r *sqliteRepo) GetTicks(ctx context.Context, symbol string, limit int) ([]models.Tick, error) {
	query := `SELECT symbol, exchange, last_price, change, change_percent, volume, open, high, low, close, timestamp
		FROM ticks WHERE symbol = ? ORDER BY id DESC`
	args := []interface{}{symbol}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
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

const orderColumns = `id, user_id, symbol, exchange, order_type, side, quantity, price, trigger_price,
	product_type, validity, status, executed_quantity, executed_price, order_value, rejection_reason,
	created_at, executed_at, cancelled_at, modified_at`

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var executedAt, cancelledAt, modifiedAt sql.NullTime
	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Exchange, &o.Type, &o.Side, &o.Quantity, &o.Price,
		&o.TriggerPrice, &o.Product, &o.Validity, &o.Status, &o.ExecutedQuantity, &o.ExecutedPrice,
		&o.OrderValue, &o.RejectionReason, &o.CreatedAt, &executedAt, &cancelledAt, &modifiedAt)
	if err != nil {
		return nil, err
	}
	o.ExecutedAt = timePtr(executedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.ModifiedAt = timePtr(modifiedAt)
	return &o, nil
}

// SaveOrder upserts an order.
func (r *sqliteRepo) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.Symbol, o.Exchange, o.Type, o.Side, o.Quantity, o.Price, o.TriggerPrice,
		o.Product, o.Validity, o.Status, o.ExecutedQuantity, o.ExecutedPrice, o.OrderValue,
		o.RejectionReason, o.CreatedAt.UTC(), nullTime(o.ExecutedAt), nullTime(o.CancelledAt),
		nullTime(o.ModifiedAt))
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// GetOrder returns an order by id.
func (r *sqliteRepo) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(r.q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOrders returns matching orders, newest first.
func (r *sqliteRepo) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Exchange != "" {
		query += " AND exchange = ?"
		args = append(args, filter.Exchange)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Statuses)) + ")"
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}

	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// Holdings

const holdingColumns = "user_id, symbol, exchange, quantity, avg_price, total_invested, created_at, updated_at"

func scanHolding(row rowScanner) (*models.Holding, error) {
	var h models.Holding
	err := row.Scan(&h.UserID, &h.Symbol, &h.Exchange, &h.Quantity, &h.AvgPrice, &h.TotalInvested,
		&h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// GetHolding returns a holding by key.
func (r *sqliteRepo) GetHolding(ctx context.Context, key models.HoldingKey) (*models.Holding, error) {
	h, err := scanHolding(r.q.QueryRowContext(ctx,
		"SELECT "+holdingColumns+" FROM holdings WHERE user_id = ? AND symbol = ? AND exchange = ?",
		key.UserID, key.Symbol, key.Exchange))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

// SaveHolding upserts a holding.
func (r *sqliteRepo) SaveHolding(ctx context.Context, h *models.Holding) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO holdings (`+holdingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.UserID, h.Symbol, h.Exchange, h.Quantity, h.AvgPrice, h.TotalInvested, h.CreatedAt.UTC(), h.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	return nil
}

// DeleteHolding removes a holding.
func (r *sqliteRepo) DeleteHolding(ctx context.Context, key models.HoldingKey) error {
	_, err := r.q.ExecContext(ctx, "DELETE FROM holdings WHERE user_id = ? AND symbol = ? AND exchange = ?",
		key.UserID, key.Symbol, key.Exchange)
	if err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

// ListHoldings returns a user's holdings, or every holding when userID is empty.
func (r *sqliteRepo) ListHoldings(ctx context.Context, userID string) ([]models.Holding, error) {
	query := "SELECT " + holdingColumns + " FROM holdings"
	args := []interface{}{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY user_id, symbol, exchange"

	rows, err := r.q.QueryContext(ctx, query, args...)
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

// AppendPosition appends an intraday position row.
func (r *sqliteRepo) AppendPosition(ctx context.Context, p *models.Position) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO positions (id, user_id, order_id, symbol, exchange, quantity, avg_price, product_type, trade_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.OrderID, p.Symbol, p.Exchange, p.Quantity, p.AvgPrice, p.Product, p.TradeDate, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append position: %w", err)
	}
	return nil
}

// ListPositions returns matching position rows in insertion order.
func (r *sqliteRepo) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := `SELECT id, user_id, order_id, symbol, exchange, quantity, avg_price, product_type, trade_date, created_at
		FROM positions WHERE 1=1`
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Exchange != "" {
		query += " AND exchange = ?"
		args = append(args, filter.Exchange)
	}
	if filter.Product != "" {
		query += " AND product_type = ?"
		args = append(args, filter.Product)
	}
	if filter.TradeDate != "" {
		query += " AND trade_date = ?"
		args = append(args, filter.TradeDate)
	}
	query += " ORDER BY seq"

	rows, err := r.q.QueryContext(ctx, query, args...)
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

// GetAccount returns a user's cash account.
func (r *sqliteRepo) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	var a models.Account
	err := r.q.QueryRowContext(ctx, "SELECT user_id, equity, updated_at FROM accounts WHERE user_id = ?", userID).
		Scan(&a.UserID, &a.Equity, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// EnsureAccount inserts a cash account unless one exists.
func (r *sqliteRepo) EnsureAccount(ctx context.Context, a *models.Account) error {
	_, err := r.q.ExecContext(ctx, "INSERT OR IGNORE INTO accounts (user_id, equity, updated_at) VALUES (?, ?, ?)",
		a.UserID, a.Equity, a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// SaveAccount upserts a cash account.
func (r *sqliteRepo) SaveAccount(ctx context.Context, a *models.Account) error {
	_, err := r.q.ExecContext(ctx, "INSERT OR REPLACE INTO accounts (user_id, equity, updated_at) VALUES (?, ?, ?)",
		a.UserID, a.Equity, a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}
