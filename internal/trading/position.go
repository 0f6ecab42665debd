package trading

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/pkg/utils"
)

// Reconciler applies an executed order to holdings (DELIVERY) or the
// intraday position log (INTRADAY). It runs inside the execution
// transaction, exactly once per executed order.
type Reconciler struct {
	now   func() time.Time
	newID func() string
}

// NewReconciler creates a reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{now: time.Now, newID: uuid.NewString}
}

// Apply records order's fill through tx.
func (r *Reconciler) Apply(ctx context.Context, tx store.Repository, order *models.Order) error {
	if order.Status != models.OrderStatusExecuted && order.Status != models.OrderStatusPartiallyExecuted {
		return apperrors.New(apperrors.CodeInternalConsistency, "order %s is %s, not executed", order.ID, order.Status)
	}
	if order.Product == models.ProductIntraday {
		return r.appendPosition(ctx, tx, order)
	}
	if order.Side == models.OrderSideBuy {
		return r.buyHolding(ctx, tx, order)
	}
	return r.sellHolding(ctx, tx, order)
}

func (r *Reconciler) buyHolding(ctx context.Context, tx store.Repository, order *models.Order) error {
	now := r.now()
	filled := order.ExecutedPrice.Mul(decimal.NewFromInt(order.ExecutedQuantity))

	holding, err := tx.GetHolding(ctx, order.HoldingKey())
	switch {
	case errors.Is(err, store.ErrNotFound):
		holding = &models.Holding{
			UserID:        order.UserID,
			Symbol:        order.Symbol,
			Exchange:      order.Exchange,
			Quantity:      order.ExecutedQuantity,
			AvgPrice:      order.ExecutedPrice,
			TotalInvested: filled,
			CreatedAt:     now,
		}
	case err != nil:
		return apperrors.Wrap(err, "loading holding")
	default:
		holding.Quantity += order.ExecutedQuantity
		holding.TotalInvested = holding.TotalInvested.Add(filled)
		holding.AvgPrice = holding.TotalInvested.Div(decimal.NewFromInt(holding.Quantity))
	}
	holding.UpdatedAt = now
	return tx.SaveHolding(ctx, holding)
}

func (r *Reconciler) sellHolding(ctx context.Context, tx store.Repository, order *models.Order) error {
	key := order.HoldingKey()
	holding, err := tx.GetHolding(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.New(apperrors.CodeInternalConsistency, "no holding for %s to sell", key)
	}
	if err != nil {
		return apperrors.Wrap(err, "loading holding")
	}
	if holding.Quantity < order.ExecutedQuantity {
		return apperrors.New(apperrors.CodeInternalConsistency, "holding %s has %d shares, cannot sell %d",
			key, holding.Quantity, order.ExecutedQuantity)
	}

	holding.Quantity -= order.ExecutedQuantity
	if holding.Quantity == 0 {
		return tx.DeleteHolding(ctx, key)
	}
	holding.TotalInvested = holding.AvgPrice.Mul(decimal.NewFromInt(holding.Quantity))
	holding.UpdatedAt = r.now()
	return tx.SaveHolding(ctx, holding)
}

func (r *Reconciler) appendPosition(ctx context.Context, tx store.Repository, order *models.Order) error {
	qty := order.ExecutedQuantity
	if order.Side == models.OrderSideSell {
		qty = -qty
	}
	at := r.now()
	if order.ExecutedAt != nil {
		at = *order.ExecutedAt
	}
	return tx.AppendPosition(ctx, &models.Position{
		ID:        r.newID(),
		UserID:    order.UserID,
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Exchange:  order.Exchange,
		Quantity:  qty,
		AvgPrice:  order.ExecutedPrice,
		Product:   order.Product,
		TradeDate: utils.TradeDate(at),
		CreatedAt: at,
	})
}
