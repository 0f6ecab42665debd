package trading

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

func executed(side models.OrderSide, product models.ProductType, qty int64, price string) *models.Order {
	now := time.Now()
	p := decimal.RequireFromString(price)
	return &models.Order{
		ID:               "ord-" + price,
		UserID:           testUser,
		Symbol:           "INFY",
		Exchange:         models.NSE,
		Type:             models.OrderTypeMarket,
		Side:             side,
		Product:          product,
		Quantity:         qty,
		Price:            p,
		Status:           models.OrderStatusExecuted,
		ExecutedQuantity: qty,
		ExecutedPrice:    p,
		OrderValue:       p.Mul(decimal.NewFromInt(qty)),
		ExecutedAt:       &now,
	}
}

func applyTx(t *testing.T, st store.Store, order *models.Order) error {
	t.Helper()
	r := NewReconciler()
	return st.WithTx(context.Background(), func(tx store.Repository) error {
		return r.Apply(context.Background(), tx, order)
	})
}

var infyKey = models.HoldingKey{UserID: testUser, Symbol: "INFY", Exchange: models.NSE}

func TestReconciler_DeliveryLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, applyTx(t, st, executed(models.OrderSideBuy, models.ProductDelivery, 3, "100.10")))
	require.NoError(t, applyTx(t, st, executed(models.OrderSideBuy, models.ProductDelivery, 7, "99.90")))

	h, err := st.GetHolding(ctx, infyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, h.TotalInvested.Equal(decimal.RequireFromString("999.60")))
	assert.True(t, h.AvgPrice.Equal(decimal.RequireFromString("99.96")), h.AvgPrice.String())

	require.NoError(t, applyTx(t, st, executed(models.OrderSideSell, models.ProductDelivery, 4, "120")))
	h, err = st.GetHolding(ctx, infyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(6), h.Quantity)
	assert.True(t, h.AvgPrice.Equal(decimal.RequireFromString("99.96")))
	assert.True(t, h.TotalInvested.Equal(decimal.RequireFromString("599.76")))

	require.NoError(t, applyTx(t, st, executed(models.OrderSideSell, models.ProductDelivery, 6, "120")))
	_, err = st.GetHolding(ctx, infyKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReconciler_SellWithoutHolding(t *testing.T) {
	st := store.NewMemoryStore()
	err := applyTx(t, st, executed(models.OrderSideSell, models.ProductDelivery, 1, "100"))
	assert.Equal(t, apperrors.CodeInternalConsistency, apperrors.CodeOf(err))
}

func TestReconciler_OversellIsInconsistent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, applyTx(t, st, executed(models.OrderSideBuy, models.ProductDelivery, 2, "100")))

	err := applyTx(t, st, executed(models.OrderSideSell, models.ProductDelivery, 3, "100"))
	assert.Equal(t, apperrors.CodeInternalConsistency, apperrors.CodeOf(err))

	h, err := st.GetHolding(ctx, infyKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.Quantity)
}

func TestReconciler_RejectsUnexecutedOrder(t *testing.T) {
	st := store.NewMemoryStore()
	order := executed(models.OrderSideBuy, models.ProductDelivery, 1, "100")
	order.Status = models.OrderStatusPending
	err := applyTx(t, st, order)
	assert.Equal(t, apperrors.CodeInternalConsistency, apperrors.CodeOf(err))
}

func TestReconciler_IntradayTouchesOnlyPositions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, applyTx(t, st, executed(models.OrderSideBuy, models.ProductIntraday, 5, "100")))
	require.NoError(t, applyTx(t, st, executed(models.OrderSideSell, models.ProductIntraday, 8, "101")))

	_, err := st.GetHolding(ctx, infyKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rows, err := st.ListPositions(ctx, store.PositionFilter{UserID: testUser})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(5), rows[0].Quantity)
	assert.Equal(t, int64(-8), rows[1].Quantity)
	assert.NotEqual(t, rows[0].ID, rows[1].ID)
	assert.NotEmpty(t, rows[0].TradeDate)
}

// For any sequence of delivery buys the holding's average equals total cost
// over total quantity, and totalInvested equals the sum of fills.
func TestProperty_WeightedAverageIdentity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	type fill struct {
		Qty   int64
		Paise int64
	}
	fillGen := gopter.CombineGens(gen.Int64Range(1, 500), gen.Int64Range(100, 500000)).
		Map(func(v []interface{}) fill { return fill{Qty: v[0].(int64), Paise: v[1].(int64)} })

	properties.Property("avg = sum(q*p)/sum(q)", prop.ForAll(
		func(fills []fill) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			totalQty := int64(0)
			totalCost := decimal.Zero
			for _, f := range fills {
				price := decimal.New(f.Paise, -2)
				if err := applyTx(t, st, executed(models.OrderSideBuy, models.ProductDelivery, f.Qty, price.String())); err != nil {
					return false
				}
				totalQty += f.Qty
				totalCost = totalCost.Add(price.Mul(decimal.NewFromInt(f.Qty)))
			}

			h, err := st.GetHolding(ctx, infyKey)
			if err != nil {
				return false
			}
			return h.Quantity == totalQty &&
				h.TotalInvested.Equal(totalCost) &&
				h.AvgPrice.Equal(totalCost.Div(decimal.NewFromInt(totalQty)))
		},
		gen.SliceOfN(5, fillGen).SuchThat(func(fs []fill) bool { return len(fs) > 0 }),
	))

	properties.Property("sell keeps avg and removes at zero", prop.ForAll(
		func(buyQty, sellQty int64) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			if err := applyTx(t, st, executed(models.OrderSideBuy, models.ProductDelivery, buyQty, "123.45")); err != nil {
				return false
			}
			err := applyTx(t, st, executed(models.OrderSideSell, models.ProductDelivery, sellQty, "200"))
			h, getErr := st.GetHolding(ctx, infyKey)

			switch {
			case sellQty > buyQty:
				return apperrors.CodeOf(err) == apperrors.CodeInternalConsistency && getErr == nil && h.Quantity == buyQty
			case sellQty == buyQty:
				return err == nil && getErr != nil
			default:
				return err == nil && getErr == nil &&
					h.Quantity == buyQty-sellQty &&
					h.AvgPrice.Equal(decimal.RequireFromString("123.45"))
			}
		},
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}
