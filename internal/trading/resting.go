package trading

import (
	"context"
	"errors"
	"slices"

	"github.com/shopspring/decimal"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

var errNoLongerPending = errors.New("order is no longer pending")

// Triggered reports whether a PENDING order should fill at last price ltp.
func Triggered(order *models.Order, ltp decimal.Decimal) bool {
	if order.Status != models.OrderStatusPending {
		return false
	}
	buy := order.Side == models.OrderSideBuy
	switch order.Type {
	case models.OrderTypeLimit:
		if buy {
			return ltp.LessThanOrEqual(order.Price)
		}
		return ltp.GreaterThanOrEqual(order.Price)
	case models.OrderTypeStop, models.OrderTypeStopMarket:
		if buy {
			return ltp.GreaterThanOrEqual(order.TriggerPrice)
		}
		return ltp.LessThanOrEqual(order.TriggerPrice)
	}
	return false
}

// EvaluateResting fills the tick symbol's PENDING orders whose conditions
// the tick satisfies, oldest first. Fills are priced at the order's resting
// price (the limit for LIMIT and STOP, the trigger for STOP_MARKET), never at
// the tick's lastPrice. A fill that fails leaves its order PENDING.
func (p *Processor) EvaluateResting(ctx context.Context, tick models.Tick) {
	orders, err := p.store.ListOrders(ctx, store.OrderFilter{
		Symbol:   tick.Symbol,
		Exchange: tick.Exchange,
		Statuses: []models.OrderStatus{models.OrderStatusPending},
	})
	if err != nil {
		log := logging.WithSymbol(p.logger, tick.Symbol)
		log.Error().Err(err).Msg("Failed to load resting orders")
		return
	}

	slices.Reverse(orders)
	for i := range orders {
		if !Triggered(&orders[i], tick.LastPrice) {
			continue
		}
		if _, err := p.FillResting(ctx, orders[i].ID); err != nil {
			log := logging.WithOrderID(p.logger, orders[i].ID)
			log.Warn().Err(err).
				Str("code", string(apperrors.CodeOf(err))).
				Msg("Resting order could not be filled")
		}
	}
}

// FillResting executes a PENDING order at its resting price. It returns a
// nil order without error when the order left PENDING in the meantime.
func (p *Processor) FillResting(ctx context.Context, orderID string) (*models.Order, error) {
	snapshot, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	unlock := p.locker.Lock(snapshot.HoldingKey())
	defer unlock()

	var filled *models.Order
	err = p.store.WithTx(ctx, func(tx store.Repository) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return errNoLongerPending
		}
		if order.Side == models.OrderSideSell {
			available, err := p.available(ctx, tx, order.HoldingKey(), order.Product)
			if err != nil {
				return err
			}
			if available < order.Quantity {
				return apperrors.InsufficientHoldings(order.Symbol, available, order.Quantity)
			}
		}
		if err := p.fill(ctx, tx, order, order.EffectivePrice(), p.now()); err != nil {
			return err
		}
		filled = order
		return nil
	})
	if errors.Is(err, errNoLongerPending) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	logging.LogTrade(logging.WithUser(p.logger, filled.UserID), filled.ID, filled.Symbol, string(filled.Side), filled.ExecutedQuantity, filled.ExecutedPrice)
	p.notify(filled.UserID, models.OrderExecuted, filled)
	return filled, nil
}
