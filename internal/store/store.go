// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
)

// ErrNotFound is returned by every backend when a keyed record does not exist.
var ErrNotFound = fmt.Errorf("record %w", apperrors.ErrNotFound)

// InstrumentReader is the read side of the instrument directory.
type InstrumentReader interface {
	GetInstrument(ctx context.Context, symbol string, exchange models.Exchange) (*models.Instrument, error)
	ListActiveInstruments(ctx context.Context) ([]models.Instrument, error)
	// FindInstruments returns every instrument whose symbol is in symbols,
	// on any exchange.
	FindInstruments(ctx context.Context, symbols []string) ([]models.Instrument, error)
}

// Repository defines the record operations shared by a store and its
// transactions.
type Repository interface {
	InstrumentReader

	// Instruments & ticks
	ListInstruments(ctx context.Context) ([]models.Instrument, error)
	SaveInstrument(ctx context.Context, inst *models.Instrument) error
	AppendTick(ctx context.Context, tick *models.Tick) error
	GetTicks(ctx context.Context, symbol string, limit int) ([]models.Tick, error)

	// Orders
	SaveOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)

	// Holdings
	GetHolding(ctx context.Context, key models.HoldingKey) (*models.Holding, error)
	SaveHolding(ctx context.Context, holding *models.Holding) error
	DeleteHolding(ctx context.Context, key models.HoldingKey) error
	ListHoldings(ctx context.Context, userID string) ([]models.Holding, error)

	// Intraday positions
	AppendPosition(ctx context.Context, pos *models.Position) error
	ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error)

	// Accounts
	GetAccount(ctx context.Context, userID string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	// EnsureAccount inserts account unless the user already has one. An
	// existing account is left untouched.
	EnsureAccount(ctx context.Context, account *models.Account) error
}

// Store is a Repository that can run a unit of work atomically.
type Store interface {
	Repository

	// WithTx runs fn inside a transaction. Writes made through tx become
	// visible together when fn returns nil and are discarded otherwise.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	Close() error
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	UserID   string
	Symbol   string
	Exchange models.Exchange
	Statuses []models.OrderStatus
	Limit    int
}

// Match reports whether o passes the filter.
func (f OrderFilter) Match(o *models.Order) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Exchange != "" && o.Exchange != f.Exchange {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// PositionFilter represents filters for querying intraday positions.
type PositionFilter struct {
	UserID    string
	Symbol    string
	Exchange  models.Exchange
	Product   models.ProductType
	TradeDate string
}

// Match reports whether p passes the filter.
func (f PositionFilter) Match(p *models.Position) bool {
	switch {
	case f.UserID != "" && p.UserID != f.UserID:
		return false
	case f.Symbol != "" && p.Symbol != f.Symbol:
		return false
	case f.Exchange != "" && p.Exchange != f.Exchange:
		return false
	case f.Product != "" && p.Product != f.Product:
		return false
	case f.TradeDate != "" && p.TradeDate != f.TradeDate:
		return false
	}
	return true
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// sortOrdersNewestFirst orders by creation time descending, then id.
func sortOrdersNewestFirst(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}

func sortInstruments(insts []models.Instrument) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].Symbol != insts[j].Symbol {
			return insts[i].Symbol < insts[j].Symbol
		}
		return insts[i].Exchange < insts[j].Exchange
	})
}

func sortHoldings(holdings []models.Holding) {
	sort.Slice(holdings, func(i, j int) bool {
		a, b := holdings[i], holdings[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Exchange < b.Exchange
	})
}
