package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

const testUser = "demo_user_123"

var session = Session{UserID: testUser}

type updateRecorder struct {
	mu      sync.Mutex
	updates []models.OrderUpdate
}

func (r *updateRecorder) NotifyOrder(userID string, update models.OrderUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *updateRecorder) types() []models.OrderUpdateType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.OrderUpdateType, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Type)
	}
	return out
}

type fixture struct {
	store     *store.MemoryStore
	ledger    *Ledger
	processor *Processor
	updates   *updateRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	setPrice(t, st, "INFY", "1555.45")
	setPrice(t, st, "TCS", "3194.80")

	ledger := NewLedger(st, decimal.NewFromInt(1000000), true, zerolog.Nop())
	rec := &updateRecorder{}
	return &fixture{
		store:     st,
		ledger:    ledger,
		processor: NewProcessor(st, ledger, rec, DefaultConfig(), zerolog.Nop()),
		updates:   rec,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// setPrice creates or reprices an active NSE instrument.
func setPrice(t *testing.T, st store.Store, symbol, price string) {
	t.Helper()
	ctx := context.Background()
	inst, err := st.GetInstrument(ctx, symbol, models.NSE)
	if err != nil {
		inst = &models.Instrument{Symbol: symbol, Exchange: models.NSE, Name: symbol, PreviousClose: dec(price), Active: true}
	}
	inst.LastPrice = dec(price)
	inst.Recalculate()
	inst.UpdatedAt = time.Now()
	require.NoError(t, st.SaveInstrument(ctx, inst))
}

func marketOrder(symbol string, side models.OrderSide, qty int64) models.OrderRequest {
	return models.OrderRequest{Symbol: symbol, Type: models.OrderTypeMarket, Side: side, Quantity: qty}
}

func limitOrder(symbol string, side models.OrderSide, qty int64, price string) models.OrderRequest {
	return models.OrderRequest{Symbol: symbol, Type: models.OrderTypeLimit, Side: side, Quantity: qty, Price: dec(price)}
}

func (f *fixture) holding(t *testing.T, symbol string) *models.Holding {
	t.Helper()
	h, err := f.store.GetHolding(context.Background(), models.HoldingKey{UserID: testUser, Symbol: symbol, Exchange: models.NSE})
	if err != nil {
		require.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}
	return h
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), testUser)
	require.NoError(t, err)
	return b
}

func TestSubmit_ScenarioA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	setPrice(t, f.store, "INFY", "100")
	_, err := f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideBuy, 50))
	require.NoError(t, err)
	h := f.holding(t, "INFY")
	require.NotNil(t, h)
	assert.Equal(t, int64(50), h.Quantity)
	assert.True(t, h.AvgPrice.Equal(dec("100")))

	setPrice(t, f.store, "INFY", "200")
	_, err = f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideBuy, 50))
	require.NoError(t, err)
	h = f.holding(t, "INFY")
	assert.Equal(t, int64(100), h.Quantity)
	assert.True(t, h.AvgPrice.Equal(dec("150")), h.AvgPrice.String())
	assert.True(t, h.TotalInvested.Equal(dec("15000")))

	_, err = f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideSell, 60))
	require.NoError(t, err)
	h = f.holding(t, "INFY")
	assert.Equal(t, int64(40), h.Quantity)
	assert.True(t, h.AvgPrice.Equal(dec("150")))
	assert.True(t, h.TotalInvested.Equal(dec("6000")))

	_, err = f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideSell, 40))
	require.NoError(t, err)
	assert.Nil(t, f.holding(t, "INFY"))

	// 1,000,000 - 5,000 - 10,000 + 60*200 + 40*200
	assert.True(t, f.balance(t).Equal(dec("1005000")), f.balance(t).String())
	assert.Equal(t, []models.OrderUpdateType{
		models.OrderExecuted, models.OrderExecuted, models.OrderExecuted, models.OrderExecuted,
	}, f.updates.types())
}

func TestSubmit_MarketUsesLastPrice(t *testing.T) {
	f := newFixture(t)

	order, err := f.processor.Submit(context.Background(), session, marketOrder("infy", models.OrderSideBuy, 3))
	require.NoError(t, err)

	assert.Equal(t, "INFY", order.Symbol)
	assert.Equal(t, models.NSE, order.Exchange)
	assert.Equal(t, models.ProductDelivery, order.Product)
	assert.Equal(t, models.ValidityDay, order.Validity)
	assert.Equal(t, models.OrderStatusExecuted, order.Status)
	assert.Equal(t, int64(3), order.ExecutedQuantity)
	assert.True(t, order.ExecutedPrice.Equal(dec("1555.45")))
	assert.True(t, order.OrderValue.Equal(dec("4666.35")), order.OrderValue.String())
	require.NotNil(t, order.ExecutedAt)

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, stored.Status)
	assert.True(t, f.balance(t).Equal(dec("995333.65")))
}

func TestSubmit_InsufficientHoldingsMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.processor.Submit(ctx, session, marketOrder("TCS", models.OrderSideBuy, 5))
	require.NoError(t, err)
	before := f.holding(t, "TCS")
	balance := f.balance(t)

	_, err = f.processor.Submit(ctx, session, marketOrder("TCS", models.OrderSideSell, 6))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInsufficientHoldings, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientHoldings)

	assert.Equal(t, before, f.holding(t, "TCS"))
	assert.True(t, balance.Equal(f.balance(t)))
	orders, err := f.processor.Orders(ctx, session)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	_, err = f.processor.Submit(ctx, session, limitOrder("INFY", models.OrderSideSell, 1, "1600"))
	assert.Equal(t, apperrors.CodeInsufficientHoldings, apperrors.CodeOf(err))
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  models.OrderRequest
	}{
		{"empty symbol", models.OrderRequest{Type: models.OrderTypeMarket, Side: models.OrderSideBuy, Quantity: 1}},
		{"zero quantity", marketOrder("INFY", models.OrderSideBuy, 0)},
		{"bad side", models.OrderRequest{Symbol: "INFY", Type: models.OrderTypeMarket, Side: "HOLD", Quantity: 1}},
		{"bad type", models.OrderRequest{Symbol: "INFY", Type: "ICEBERG", Side: models.OrderSideBuy, Quantity: 1}},
		{"bad exchange", models.OrderRequest{Symbol: "INFY", Exchange: "LSE", Type: models.OrderTypeMarket, Side: models.OrderSideBuy, Quantity: 1}},
		{"bad product", models.OrderRequest{Symbol: "INFY", Product: "MARGIN", Type: models.OrderTypeMarket, Side: models.OrderSideBuy, Quantity: 1}},
		{"limit without price", models.OrderRequest{Symbol: "INFY", Type: models.OrderTypeLimit, Side: models.OrderSideBuy, Quantity: 1}},
		{"stop without trigger", models.OrderRequest{Symbol: "INFY", Type: models.OrderTypeStop, Side: models.OrderSideBuy, Quantity: 1, Price: dec("1500")}},
		{"stop market without price", models.OrderRequest{Symbol: "INFY", Type: models.OrderTypeStopMarket, Side: models.OrderSideBuy, Quantity: 1, TriggerPrice: dec("1500")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.Submit(context.Background(), session, tt.req)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
		})
	}

	_, err := f.processor.Submit(context.Background(), Session{}, marketOrder("INFY", models.OrderSideBuy, 1))
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	orders, err := f.store.ListOrders(context.Background(), store.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestSubmit_UnknownAndInactiveInstrument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.processor.Submit(ctx, session, marketOrder("NOPE", models.OrderSideBuy, 1))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))

	inst, err := f.store.GetInstrument(ctx, "TCS", models.NSE)
	require.NoError(t, err)
	inst.Active = false
	require.NoError(t, f.store.SaveInstrument(ctx, inst))

	_, err = f.processor.Submit(ctx, session, marketOrder("TCS", models.OrderSideBuy, 1))
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestSubmit_InsufficientBalanceLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// 700 * 1555.45 > 1,000,000
	_, err := f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideBuy, 700))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInsufficientBalance, apperrors.CodeOf(err))

	orders, err := f.processor.Orders(ctx, session)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Nil(t, f.holding(t, "INFY"))
	assert.True(t, f.balance(t).Equal(dec("1000000")))
}

func TestSubmit_LimitRestsAsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order, err := f.processor.Submit(ctx, session, limitOrder("INFY", models.OrderSideBuy, 10, "1500.50"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, order.OrderValue.Equal(dec("15005")))
	assert.Zero(t, order.ExecutedQuantity)
	assert.Nil(t, f.holding(t, "INFY"))
	assert.True(t, f.balance(t).Equal(dec("1000000")))
	assert.Equal(t, []models.OrderUpdateType{models.OrderPlaced}, f.updates.types())

	stopMarket, err := f.processor.Submit(ctx, session, models.OrderRequest{
		Symbol: "TCS", Type: models.OrderTypeStopMarket, Side: models.OrderSideBuy,
		Quantity: 2, Price: dec("3300"), TriggerPrice: dec("3250"),
	})
	require.NoError(t, err)
	assert.True(t, stopMarket.OrderValue.Equal(dec("6500")))

	book, err := f.processor.OrderBook(ctx, session)
	require.NoError(t, err)
	assert.Len(t, book, 2)
	trades, err := f.processor.TradeBook(ctx, session)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestModify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order, err := f.processor.Submit(ctx, session, limitOrder("INFY", models.OrderSideBuy, 10, "1500"))
	require.NoError(t, err)

	qty := int64(4)
	price := dec("1490.25")
	modified, err := f.processor.Modify(ctx, session, order.ID, models.OrderModification{Quantity: &qty, Price: &price})
	require.NoError(t, err)
	assert.Equal(t, int64(4), modified.Quantity)
	assert.True(t, modified.OrderValue.Equal(dec("5961")))
	require.NotNil(t, modified.ModifiedAt)
	assert.Equal(t, models.OrderStatusPending, modified.Status)

	stored, err := f.processor.Order(ctx, session, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Quantity)

	t.Run("empty modification", func(t *testing.T) {
		_, err := f.processor.Modify(ctx, session, order.ID, models.OrderModification{})
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	})

	t.Run("invalid quantity leaves order unchanged", func(t *testing.T) {
		zero := int64(0)
		_, err := f.processor.Modify(ctx, session, order.ID, models.OrderModification{Quantity: &zero})
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
		stored, err := f.processor.Order(ctx, session, order.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stored.Quantity)
	})

	t.Run("cannot become market", func(t *testing.T) {
		typ := models.OrderTypeMarket
		_, err := f.processor.Modify(ctx, session, order.ID, models.OrderModification{Type: &typ})
		assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
	})

	t.Run("other user sees not found", func(t *testing.T) {
		_, err := f.processor.Modify(ctx, Session{UserID: "intruder"}, order.ID, models.OrderModification{Quantity: &qty})
		assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := f.processor.Modify(ctx, session, "missing", models.OrderModification{Quantity: &qty})
		assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	})
}

func TestModify_ExecutedOrderIsInvalidState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order, err := f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideBuy, 2))
	require.NoError(t, err)

	qty := int64(9)
	_, err = f.processor.Modify(ctx, session, order.ID, models.OrderModification{Quantity: &qty})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	stored, err := f.store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order, stored)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order, err := f.processor.Submit(ctx, session, limitOrder("TCS", models.OrderSideBuy, 1, "3000"))
	require.NoError(t, err)

	cancelled, err := f.processor.Cancel(ctx, session, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.processor.Cancel(ctx, session, order.ID)
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	qty := int64(2)
	_, err = f.processor.Modify(ctx, session, order.ID, models.OrderModification{Quantity: &qty})
	assert.Equal(t, apperrors.CodeInvalidState, apperrors.CodeOf(err))

	assert.Equal(t, []models.OrderUpdateType{models.OrderPlaced, models.OrderCancelled}, f.updates.types())
}

func TestSubmit_IntradayAppendsPositionRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	intraday := func(side models.OrderSide, qty int64) models.OrderRequest {
		req := marketOrder("INFY", side, qty)
		req.Product = models.ProductIntraday
		return req
	}

	_, err := f.processor.Submit(ctx, session, intraday(models.OrderSideBuy, 10))
	require.NoError(t, err)
	assert.Nil(t, f.holding(t, "INFY"))

	avail, err := f.processor.Available(ctx, session, "INFY", models.NSE, models.ProductIntraday)
	require.NoError(t, err)
	assert.Equal(t, int64(10), avail)
	avail, err = f.processor.Available(ctx, session, "INFY", models.NSE, models.ProductDelivery)
	require.NoError(t, err)
	assert.Zero(t, avail)

	_, err = f.processor.Submit(ctx, session, intraday(models.OrderSideSell, 15))
	assert.Equal(t, apperrors.CodeInsufficientHoldings, apperrors.CodeOf(err))

	_, err = f.processor.Submit(ctx, session, intraday(models.OrderSideSell, 4))
	require.NoError(t, err)

	rows, err := f.store.ListPositions(ctx, store.PositionFilter{UserID: testUser})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(10), rows[0].Quantity)
	assert.Equal(t, int64(-4), rows[1].Quantity)
	assert.True(t, rows[1].AvgPrice.Equal(dec("1555.45")))

	avail, err = f.processor.Available(ctx, session, "infy", "", models.ProductIntraday)
	require.NoError(t, err)
	assert.Equal(t, int64(6), avail)
}

// lostHoldingStore hides holdings from transactions, simulating a holding
// that disappeared between the availability check and execution.
type lostHoldingStore struct {
	store.Store
}

type lostHoldingRepo struct {
	store.Repository
}

func (s *lostHoldingStore) WithTx(ctx context.Context, fn func(tx store.Repository) error) error {
	return s.Store.WithTx(ctx, func(tx store.Repository) error {
		return fn(lostHoldingRepo{Repository: tx})
	})
}

func (lostHoldingRepo) GetHolding(context.Context, models.HoldingKey) (*models.Holding, error) {
	return nil, store.ErrNotFound
}

func TestSubmit_InternalConsistencyRejectsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.processor.Submit(ctx, session, marketOrder("INFY", models.OrderSideBuy, 5))
	require.NoError(t, err)
	balance := f.balance(t)
	holding := f.holding(t, "INFY")

	rec := &updateRecorder{}
	broken := NewProcessor(&lostHoldingStore{Store: f.store}, f.ledger, rec, DefaultConfig(), zerolog.Nop())

	_, err = broken.Submit(ctx, session, marketOrder("INFY", models.OrderSideSell, 5))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInternalConsistency, apperrors.CodeOf(err))
	var orderErr *apperrors.OrderError
	require.True(t, apperrors.As(err, &orderErr))
	assert.Equal(t, "INFY", orderErr.Symbol)

	// Ledger credit and holding change rolled back.
	assert.True(t, balance.Equal(f.balance(t)))
	assert.Equal(t, holding, f.holding(t, "INFY"))

	rejected, err := f.store.ListOrders(ctx, store.OrderFilter{UserID: testUser, Statuses: []models.OrderStatus{models.OrderStatusRejected}})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, orderErr.OrderID, rejected[0].ID)
	assert.Equal(t, models.OrderSideSell, rejected[0].Side)
	assert.NotEmpty(t, rejected[0].RejectionReason)
	assert.Zero(t, rejected[0].ExecutedQuantity)
	assert.Equal(t, []models.OrderUpdateType{models.OrderRejected}, rec.types())
}

// Concurrent executions on one key converge regardless of interleaving.
func TestSubmit_ScenarioC(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		setPrice(t, f.store, "INFY", "100")

		var wg sync.WaitGroup
		for _, qty := range []int64{10, 20} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.processor.Submit(context.Background(), session, marketOrder("INFY", models.OrderSideBuy, qty))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		h := f.holding(t, "INFY")
		require.NotNil(t, h)
		assert.Equal(t, int64(30), h.Quantity)
		assert.True(t, h.AvgPrice.Equal(dec("100")))
		assert.True(t, f.balance(t).Equal(dec("997000")))
	}
}

func TestSubmit_ConcurrentBuysAndSells(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	setPrice(t, f.store, "TCS", "10")
	_, err := f.processor.Submit(ctx, session, marketOrder("TCS", models.OrderSideBuy, 100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := int64(0)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, err := f.processor.Submit(ctx, session, marketOrder("TCS", models.OrderSideBuy, 1))
				assert.NoError(t, err)
				return
			}
			_, err := f.processor.Submit(ctx, session, marketOrder("TCS", models.OrderSideSell, 7))
			if err == nil {
				mu.Lock()
				sold += 7
				mu.Unlock()
				return
			}
			assert.Equal(t, apperrors.CodeInsufficientHoldings, apperrors.CodeOf(err))
		}()
	}
	wg.Wait()

	want := 100 + 20 - sold
	h := f.holding(t, "TCS")
	if want == 0 {
		assert.Nil(t, h)
		return
	}
	require.NotNil(t, h)
	assert.Equal(t, want, h.Quantity)
	assert.True(t, h.AvgPrice.Equal(dec("10")))
}
