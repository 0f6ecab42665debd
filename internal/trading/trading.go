// Package trading provides order processing, holdings reconciliation, the
// cash ledger and portfolio views.
package trading

import (
	"context"

	"github.com/shopspring/decimal"

	"paper-trader/internal/models"
)

// Session identifies the user an operation runs on behalf of.
type Session struct {
	UserID string
}

// Notifier receives order lifecycle events for delivery to the user.
type Notifier interface {
	NotifyOrder(userID string, update models.OrderUpdate)
}

// OrderService handles order submission and lifecycle management.
type OrderService interface {
	Submit(ctx context.Context, session Session, req models.OrderRequest) (*models.Order, error)
	Modify(ctx context.Context, session Session, orderID string, mod models.OrderModification) (*models.Order, error)
	Cancel(ctx context.Context, session Session, orderID string) (*models.Order, error)

	Orders(ctx context.Context, session Session) ([]models.Order, error)
	OrderBook(ctx context.Context, session Session) ([]models.Order, error)
	TradeBook(ctx context.Context, session Session) ([]models.Order, error)
	Order(ctx context.Context, session Session, orderID string) (*models.Order, error)
	Available(ctx context.Context, session Session, symbol string, exchange models.Exchange, product models.ProductType) (int64, error)
}

// PortfolioSummary represents a portfolio summary.
type PortfolioSummary struct {
	TotalInvested   decimal.Decimal `json:"totalInvested"`
	CurrentValue    decimal.Decimal `json:"totalCurrent"`
	TotalPnL        decimal.Decimal `json:"totalPnl"`
	TotalPnLPercent decimal.Decimal `json:"totalPnlPercent"`
	DayPnL          decimal.Decimal `json:"dayPnl"`
	DayPnLPercent   decimal.Decimal `json:"dayPnlPercent"`
	HoldingCount    int             `json:"holdingCount"`
	PositionCount   int             `json:"positionCount"`
}

// FundsSummary is the cash view of an account.
type FundsSummary struct {
	UserID    string          `json:"userId"`
	Available decimal.Decimal `json:"availableBalance"`
	Invested  decimal.Decimal `json:"investedValue"`
	Current   decimal.Decimal `json:"currentValue"`
	Total     decimal.Decimal `json:"totalValue"`
}

var _ OrderService = (*Processor)(nil)
