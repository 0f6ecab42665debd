package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// HoldingKey identifies an aggregate holding.
type HoldingKey struct {
	UserID   string
	Symbol   string
	Exchange Exchange
}

func (k HoldingKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserID, k.Exchange, k.Symbol)
}

// Holding represents a delivery holding with weighted-average cost.
// A holding exists only while Quantity > 0.
type Holding struct {
	UserID        string          `json:"userId"`
	Symbol        string          `json:"symbol"`
	Exchange      Exchange        `json:"exchange"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	TotalInvested decimal.Decimal `json:"totalInvested"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Key returns the holding's key.
func (h *Holding) Key() HoldingKey {
	return HoldingKey{UserID: h.UserID, Symbol: h.Symbol, Exchange: h.Exchange}
}

// Position is one intraday execution: positive quantity for a buy, negative
// for a sell.
type Position struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Exchange  Exchange        `json:"exchange"`
	Quantity  int64           `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	Product   ProductType     `json:"productType"`
	TradeDate string          `json:"tradeDate"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NetPosition is the netted view over the position rows sharing a
// (user, symbol, exchange, product, trade date) key.
type NetPosition struct {
	UserID       string          `json:"userId"`
	Symbol       string          `json:"symbol"`
	Exchange     Exchange        `json:"exchange"`
	Product      ProductType     `json:"productType"`
	TradeDate    string          `json:"tradeDate"`
	Quantity     int64           `json:"quantity"`
	BuyQuantity  int64           `json:"buyQuantity"`
	SellQuantity int64           `json:"sellQuantity"`
	BuyValue     decimal.Decimal `json:"buyValue"`
	SellValue    decimal.Decimal `json:"sellValue"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	Trades       int             `json:"trades"`
}

// Account is a user's cash ledger.
type Account struct {
	UserID    string          `json:"userId"`
	Equity    decimal.Decimal `json:"equity"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
