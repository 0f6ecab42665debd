package store

import (
	"context"
	"errors"
	"sync"

	"paper-trader/internal/models"
)

// tickRetention bounds the in-memory tick history per symbol.
const tickRetention = 10000

type instrumentKey struct {
	symbol   string
	exchange models.Exchange
}

// MemoryStore implements Store in process memory. Reads return copies.
// Transactions are serialized and their writes are staged, then published
// under a single write lock on commit.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	instruments map[instrumentKey]models.Instrument
	ticks       map[string][]models.Tick
	orders      map[string]models.Order
	holdings    map[models.HoldingKey]models.Holding
	positions   []models.Position
	accounts    map[string]models.Account
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[instrumentKey]models.Instrument),
		ticks:       make(map[string][]models.Tick),
		orders:      make(map[string]models.Order),
		holdings:    make(map[models.HoldingKey]models.Holding),
		accounts:    make(map[string]models.Account),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// WithTx runs fn against a staged view of the store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) write(ctx context.Context, fn func(tx Repository) error) error {
	return s.WithTx(ctx, fn)
}

// Instruments

func (s *MemoryStore) GetInstrument(_ context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[instrumentKey{symbol, exchange}]
	if !ok {
		return nil, ErrNotFound
	}
	return &inst, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]models.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterInstruments(s.instruments, func(*models.Instrument) bool { return true }), nil
}

func (s *MemoryStore) ListActiveInstruments(_ context.Context) ([]models.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterInstruments(s.instruments, func(i *models.Instrument) bool { return i.Active }), nil
}

func (s *MemoryStore) FindInstruments(_ context.Context, symbols []string) ([]models.Instrument, error) {
	want := symbolSet(symbols)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterInstruments(s.instruments, func(i *models.Instrument) bool {
		_, ok := want[i.Symbol]
		return ok
	}), nil
}

func (s *MemoryStore) SaveInstrument(ctx context.Context, inst *models.Instrument) error {
	return s.write(ctx, func(tx Repository) error { return tx.SaveInstrument(ctx, inst) })
}

func (s *MemoryStore) AppendTick(ctx context.Context, tick *models.Tick) error {
	return s.write(ctx, func(tx Repository) error { return tx.AppendTick(ctx, tick) })
}

func (s *MemoryStore) GetTicks(_ context.Context, symbol string, limit int) ([]models.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.ticks[symbol]
	out := make([]models.Tick, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Orders

func (s *MemoryStore) SaveOrder(ctx context.Context, order *models.Order) error {
	return s.write(ctx, func(tx Repository) error { return tx.SaveOrder(ctx, order) })
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterOrders(s.orders, filter), nil
}

// Holdings

func (s *MemoryStore) GetHolding(_ context.Context, key models.HoldingKey) (*models.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.holdings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &h, nil
}

func (s *MemoryStore) SaveHolding(ctx context.Context, holding *models.Holding) error {
	return s.write(ctx, func(tx Repository) error { return tx.SaveHolding(ctx, holding) })
}

func (s *MemoryStore) DeleteHolding(ctx context.Context, key models.HoldingKey) error {
	return s.write(ctx, func(tx Repository) error { return tx.DeleteHolding(ctx, key) })
}

func (s *MemoryStore) ListHoldings(_ context.Context, userID string) ([]models.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterHoldings(s.holdings, userID), nil
}

// Positions

func (s *MemoryStore) AppendPosition(ctx context.Context, pos *models.Position) error {
	return s.write(ctx, func(tx Repository) error { return tx.AppendPosition(ctx, pos) })
}

func (s *MemoryStore) ListPositions(_ context.Context, filter PositionFilter) ([]models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterPositions(s.positions, nil, filter), nil
}

// Accounts

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) SaveAccount(ctx context.Context, account *models.Account) error {
	return s.write(ctx, func(tx Repository) error { return tx.SaveAccount(ctx, account) })
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, account *models.Account) error {
	return s.write(ctx, func(tx Repository) error { return tx.EnsureAccount(ctx, account) })
}

// memTx stages writes on top of the committed state. A nil holding marks a
// deletion.
type memTx struct {
	s *MemoryStore

	instruments map[instrumentKey]models.Instrument
	ticks       []models.Tick
	orders      map[string]models.Order
	holdings    map[models.HoldingKey]*models.Holding
	positions   []models.Position
	accounts    map[string]models.Account
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:           s,
		instruments: make(map[instrumentKey]models.Instrument),
		orders:      make(map[string]models.Order),
		holdings:    make(map[models.HoldingKey]*models.Holding),
		accounts:    make(map[string]models.Account),
	}
}

func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tx.instruments {
		s.instruments[k] = v
	}
	for _, t := range tx.ticks {
		history := append(s.ticks[t.Symbol], t)
		if len(history) > tickRetention {
			history = append([]models.Tick(nil), history[len(history)-tickRetention:]...)
		}
		s.ticks[t.Symbol] = history
	}
	for k, v := range tx.orders {
		s.orders[k] = v
	}
	for k, v := range tx.holdings {
		if v == nil {
			delete(s.holdings, k)
			continue
		}
		s.holdings[k] = *v
	}
	s.positions = append(s.positions, tx.positions...)
	for k, v := range tx.accounts {
		s.accounts[k] = v
	}
}

func (tx *memTx) GetInstrument(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error) {
	if inst, ok := tx.instruments[instrumentKey{symbol, exchange}]; ok {
		return &inst, nil
	}
	return tx.s.GetInstrument(ctx, symbol, exchange)
}

func (tx *memTx) mergedInstruments() map[instrumentKey]models.Instrument {
	tx.s.mu.RLock()
	merged := make(map[instrumentKey]models.Instrument, len(tx.s.instruments)+len(tx.instruments))
	for k, v := range tx.s.instruments {
		merged[k] = v
	}
	tx.s.mu.RUnlock()
	for k, v := range tx.instruments {
		merged[k] = v
	}
	return merged
}

func (tx *memTx) ListInstruments(_ context.Context) ([]models.Instrument, error) {
	return filterInstruments(tx.mergedInstruments(), func(*models.Instrument) bool { return true }), nil
}

func (tx *memTx) ListActiveInstruments(_ context.Context) ([]models.Instrument, error) {
	return filterInstruments(tx.mergedInstruments(), func(i *models.Instrument) bool { return i.Active }), nil
}

func (tx *memTx) FindInstruments(_ context.Context, symbols []string) ([]models.Instrument, error) {
	want := symbolSet(symbols)
	return filterInstruments(tx.mergedInstruments(), func(i *models.Instrument) bool {
		_, ok := want[i.Symbol]
		return ok
	}), nil
}

func (tx *memTx) SaveInstrument(_ context.Context, inst *models.Instrument) error {
	tx.instruments[instrumentKey{inst.Symbol, inst.Exchange}] = *inst
	return nil
}

func (tx *memTx) AppendTick(_ context.Context, tick *models.Tick) error {
	tx.ticks = append(tx.ticks, *tick)
	return nil
}

func (tx *memTx) GetTicks(ctx context.Context, symbol string, limit int) ([]models.Tick, error) {
	committed, err := tx.s.GetTicks(ctx, symbol, 0)
	if err != nil {
		return nil, err
	}
	var out []models.Tick
	for i := len(tx.ticks) - 1; i >= 0; i-- {
		if tx.ticks[i].Symbol == symbol {
			out = append(out, tx.ticks[i])
		}
	}
	out = append(out, committed...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memTx) SaveOrder(_ context.Context, order *models.Order) error {
	tx.orders[order.ID] = *order
	return nil
}

func (tx *memTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return &o, nil
	}
	return tx.s.GetOrder(ctx, id)
}

func (tx *memTx) ListOrders(_ context.Context, filter OrderFilter) ([]models.Order, error) {
	tx.s.mu.RLock()
	merged := make(map[string]models.Order, len(tx.s.orders)+len(tx.orders))
	for k, v := range tx.s.orders {
		merged[k] = v
	}
	tx.s.mu.RUnlock()
	for k, v := range tx.orders {
		merged[k] = v
	}
	return filterOrders(merged, filter), nil
}

func (tx *memTx) GetHolding(ctx context.Context, key models.HoldingKey) (*models.Holding, error) {
	if h, ok := tx.holdings[key]; ok {
		if h == nil {
			return nil, ErrNotFound
		}
		cp := *h
		return &cp, nil
	}
	return tx.s.GetHolding(ctx, key)
}

func (tx *memTx) SaveHolding(_ context.Context, holding *models.Holding) error {
	cp := *holding
	tx.holdings[holding.Key()] = &cp
	return nil
}

func (tx *memTx) DeleteHolding(_ context.Context, key models.HoldingKey) error {
	tx.holdings[key] = nil
	return nil
}

func (tx *memTx) ListHoldings(_ context.Context, userID string) ([]models.Holding, error) {
	tx.s.mu.RLock()
	merged := make(map[models.HoldingKey]models.Holding, len(tx.s.holdings))
	for k, v := range tx.s.holdings {
		merged[k] = v
	}
	tx.s.mu.RUnlock()
	for k, v := range tx.holdings {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = *v
	}
	return filterHoldings(merged, userID), nil
}

func (tx *memTx) AppendPosition(_ context.Context, pos *models.Position) error {
	tx.positions = append(tx.positions, *pos)
	return nil
}

func (tx *memTx) ListPositions(_ context.Context, filter PositionFilter) ([]models.Position, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return filterPositions(tx.s.positions, tx.positions, filter), nil
}

func (tx *memTx) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	if a, ok := tx.accounts[userID]; ok {
		return &a, nil
	}
	return tx.s.GetAccount(ctx, userID)
}

func (tx *memTx) SaveAccount(_ context.Context, account *models.Account) error {
	tx.accounts[account.UserID] = *account
	return nil
}

func (tx *memTx) EnsureAccount(ctx context.Context, account *models.Account) error {
	_, err := tx.GetAccount(ctx, account.UserID)
	if errors.Is(err, ErrNotFound) {
		return tx.SaveAccount(ctx, account)
	}
	return err
}

// Helpers shared by the store and its transactions.

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range NormalizeSymbols(symbols) {
		set[s] = struct{}{}
	}
	return set
}

func filterInstruments(src map[instrumentKey]models.Instrument, keep func(*models.Instrument) bool) []models.Instrument {
	out := make([]models.Instrument, 0, len(src))
	for _, inst := range src {
		if keep(&inst) {
			out = append(out, inst)
		}
	}
	sortInstruments(out)
	return out
}

func filterOrders(src map[string]models.Order, filter OrderFilter) []models.Order {
	out := make([]models.Order, 0)
	for _, o := range src {
		if filter.Match(&o) {
			out = append(out, o)
		}
	}
	sortOrdersNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func filterHoldings(src map[models.HoldingKey]models.Holding, userID string) []models.Holding {
	out := make([]models.Holding, 0)
	for _, h := range src {
		if userID == "" || h.UserID == userID {
			out = append(out, h)
		}
	}
	sortHoldings(out)
	return out
}

func filterPositions(committed, staged []models.Position, filter PositionFilter) []models.Position {
	out := make([]models.Position, 0)
	for _, set := range [][]models.Position{committed, staged} {
		for i := range set {
			if filter.Match(&set[i]) {
				out = append(out, set[i])
			}
		}
	}
	return out
}
