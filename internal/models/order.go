package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// Valid reports whether t is a supported order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeStop, OrderTypeStopMarket:
		return true
	}
	return false
}

// NeedsTrigger reports whether orders of this type carry a trigger price.
func (t OrderType) NeedsTrigger() bool {
	return t == OrderTypeStop || t == OrderTypeStopMarket
}

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductDelivery ProductType = "DELIVERY" // CNC
	ProductIntraday ProductType = "INTRADAY" // MIS
)

// Valid reports whether p is a supported product type.
func (p ProductType) Valid() bool {
	return p == ProductDelivery || p == ProductIntraday
}

// Validity represents how long an order stays open.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// Valid reports whether v is a supported validity.
func (v Validity) Valid() bool {
	return v == ValidityDay || v == ValidityIOC
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending           OrderStatus = "PENDING"
	OrderStatusExecuted          OrderStatus = "EXECUTED"
	OrderStatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	OrderStatusCancelled         OrderStatus = "CANCELLED"
	OrderStatusRejected          OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further transition may leave s.
func (s OrderStatus) IsTerminal() bool {
	return s != OrderStatusPending
}

// CanTransitionTo reports whether the state machine allows s -> next.
// PENDING is the only non-terminal state and may move to any terminal state.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s != OrderStatusPending {
		return false
	}
	switch next {
	case OrderStatusExecuted, OrderStatusPartiallyExecuted, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order represents a trading order.
type Order struct {
	ID               string          `json:"orderId"`
	UserID           string          `json:"userId"`
	Symbol           string          `json:"symbol"`
	Exchange         Exchange        `json:"exchange"`
	Type             OrderType       `json:"orderType"`
	Side             OrderSide       `json:"side"`
	Quantity         int64           `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	TriggerPrice     decimal.Decimal `json:"triggerPrice"`
	Product          ProductType     `json:"productType"`
	Validity         Validity        `json:"validity"`
	Status           OrderStatus     `json:"status"`
	ExecutedQuantity int64           `json:"executedQuantity"`
	ExecutedPrice    decimal.Decimal `json:"executedPrice"`
	OrderValue       decimal.Decimal `json:"orderValue"`
	RejectionReason  string          `json:"rejectionReason,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExecutedAt       *time.Time      `json:"executedAt,omitempty"`
	CancelledAt      *time.Time      `json:"cancelledAt,omitempty"`
	ModifiedAt       *time.Time      `json:"modifiedAt,omitempty"`
}

// EffectivePrice is the price the order is valued at: the trigger price for
// STOP_MARKET orders and the (limit or filled) price otherwise.
func (o *Order) EffectivePrice() decimal.Decimal {
	if o.Type == OrderTypeStopMarket {
		return o.TriggerPrice
	}
	return o.Price
}

// RecomputeValue sets OrderValue = Quantity * EffectivePrice.
func (o *Order) RecomputeValue() {
	o.OrderValue = o.EffectivePrice().Mul(decimal.NewFromInt(o.Quantity))
}

// HoldingKey returns the holding key the order reconciles against.
func (o *Order) HoldingKey() HoldingKey {
	return HoldingKey{UserID: o.UserID, Symbol: o.Symbol, Exchange: o.Exchange}
}

// OrderRequest is an inbound order submission.
type OrderRequest struct {
	Symbol       string          `json:"symbol"`
	Exchange     Exchange        `json:"exchange"`
	Type         OrderType       `json:"orderType"`
	Side         OrderSide       `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	Product      ProductType     `json:"productType"`
	Validity     Validity        `json:"validity"`
}

// OrderModification carries the fields a PENDING order may change. Nil
// fields are left untouched.
type OrderModification struct {
	Quantity     *int64           `json:"quantity,omitempty"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	Type         *OrderType       `json:"orderType,omitempty"`
	TriggerPrice *decimal.Decimal `json:"triggerPrice,omitempty"`
}

// IsEmpty reports whether the modification changes nothing.
func (m OrderModification) IsEmpty() bool {
	return m.Quantity == nil && m.Price == nil && m.Type == nil && m.TriggerPrice == nil
}

// OrderUpdateType names an order lifecycle event.
type OrderUpdateType string

const (
	OrderPlaced    OrderUpdateType = "PLACED"
	OrderExecuted  OrderUpdateType = "EXECUTED"
	OrderCancelled OrderUpdateType = "CANCELLED"
	OrderModified  OrderUpdateType = "MODIFIED"
	OrderRejected  OrderUpdateType = "REJECTED"
)

// OrderUpdate is pushed to the submitter when an order changes.
type OrderUpdate struct {
	Type  OrderUpdateType `json:"type"`
	Order Order           `json:"order"`
}
