package trading

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/logging"
	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/pkg/utils"
)

// Config holds order processing defaults.
type Config struct {
	DefaultExchange models.Exchange
	DefaultProduct  models.ProductType
	LockStripes     int
}

// DefaultConfig returns the default processing configuration.
func DefaultConfig() Config {
	return Config{
		DefaultExchange: models.NSE,
		DefaultProduct:  models.ProductDelivery,
		LockStripes:     64,
	}
}

// Processor validates, executes and manages orders. MARKET orders execute
// immediately; every other type rests as PENDING.
type Processor struct {
	store      store.Store
	ledger     *Ledger
	reconciler *Reconciler
	locker     *KeyLocker
	notifier   Notifier
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
}

// NewProcessor creates an order processor. notifier may be nil.
func NewProcessor(st store.Store, ledger *Ledger, notifier Notifier, cfg Config, logger zerolog.Logger) *Processor {
	if cfg.DefaultExchange == "" {
		cfg.DefaultExchange = models.NSE
	}
	if cfg.DefaultProduct == "" {
		cfg.DefaultProduct = models.ProductDelivery
	}
	return &Processor{
		store:      st,
		ledger:     ledger,
		reconciler: NewReconciler(),
		locker:     NewKeyLocker(cfg.LockStripes),
		notifier:   notifier,
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "orders"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Submit places an order for the session's user.
func (p *Processor) Submit(ctx context.Context, session Session, req models.OrderRequest) (*models.Order, error) {
	if err := validateSession(session); err != nil {
		return nil, err
	}
	req, err := p.normalize(req)
	if err != nil {
		return nil, err
	}

	key := models.HoldingKey{UserID: session.UserID, Symbol: req.Symbol, Exchange: req.Exchange}
	unlock := p.locker.Lock(key)
	defer unlock()

	inst, err := p.store.GetInstrument(ctx, req.Symbol, req.Exchange)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("instrument", string(req.Exchange)+":"+req.Symbol)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "loading instrument")
	}
	if !inst.Active {
		return nil, apperrors.NewValidationError("symbol", req.Symbol, "instrument is not active for trading")
	}

	if req.Side == models.OrderSideSell {
		available, err := p.available(ctx, p.store, key, req.Product)
		if err != nil {
			return nil, err
		}
		if available < req.Quantity {
			return nil, apperrors.InsufficientHoldings(req.Symbol, available, req.Quantity)
		}
	}

	now := p.now()
	order := &models.Order{
		ID:           p.newID(),
		UserID:       session.UserID,
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Type:         req.Type,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Product:      req.Product,
		Validity:     req.Validity,
		Status:       models.OrderStatusPending,
		CreatedAt:    now,
	}
	if order.Type == models.OrderTypeMarket {
		order.Price = inst.LastPrice
	}
	order.RecomputeValue()

	log := logging.WithOrderID(logging.WithUser(p.logger, session.UserID), order.ID)

	if order.Type != models.OrderTypeMarket {
		if err := p.store.SaveOrder(ctx, order); err != nil {
			return nil, apperrors.Wrap(err, "saving order")
		}
		logging.LogOrder(log, order.ID, order.Symbol, string(order.Side), string(order.Status))
		p.notify(order.UserID, models.OrderPlaced, order)
		return order, nil
	}

	filled := *order
	err = p.store.WithTx(ctx, func(tx store.Repository) error {
		return p.fill(ctx, tx, &filled, order.Price, now)
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeInternalConsistency {
			p.reject(ctx, order, err)
			return nil, apperrors.NewOrderError(order.ID, order.Symbol, string(order.Side), "rejected", err)
		}
		return nil, err
	}

	logging.LogTrade(log, filled.ID, filled.Symbol, string(filled.Side), filled.ExecutedQuantity, filled.ExecutedPrice)
	p.notify(filled.UserID, models.OrderExecuted, &filled)
	return &filled, nil
}

// fill executes order at price inside tx: the ledger moves cash, the
// order is marked EXECUTED, the reconciler records the fill and the order
// is saved.
func (p *Processor) fill(ctx context.Context, tx store.Repository, order *models.Order, price decimal.Decimal, at time.Time) error {
	if !order.Status.CanTransitionTo(models.OrderStatusExecuted) {
		return apperrors.InvalidState(order.ID, string(order.Status), "execute")
	}
	value := price.Mul(decimal.NewFromInt(order.Quantity))

	var err error
	if order.Side == models.OrderSideBuy {
		err = p.ledger.CheckAndDebit(ctx, tx, order.UserID, value)
	} else {
		err = p.ledger.Credit(ctx, tx, order.UserID, value)
	}
	if err != nil {
		return err
	}

	order.Status = models.OrderStatusExecuted
	order.ExecutedQuantity = order.Quantity
	order.ExecutedPrice = price
	order.OrderValue = value
	order.ExecutedAt = &at

	if err := p.reconciler.Apply(ctx, tx, order); err != nil {
		return err
	}
	return tx.SaveOrder(ctx, order)
}

// reject persists order as REJECTED after its execution rolled back.
func (p *Processor) reject(ctx context.Context, order *models.Order, cause error) {
	order.Status = models.OrderStatusRejected
	order.RejectionReason = cause.Error()

	log := logging.WithOrderID(p.logger, order.ID)
	if err := p.store.SaveOrder(ctx, order); err != nil {
		log.Error().Err(err).Msg("Failed to record rejected order")
		return
	}
	log.Error().Err(cause).Str("symbol", order.Symbol).Msg("Order rejected")
	p.notify(order.UserID, models.OrderRejected, order)
}

// Modify changes a PENDING order.
func (p *Processor) Modify(ctx context.Context, session Session, orderID string, mod models.OrderModification) (*models.Order, error) {
	if mod.IsEmpty() {
		return nil, apperrors.NewValidationError("changes", nil, "no modifications supplied")
	}
	return p.transition(ctx, session, orderID, "modify", func(order *models.Order, now time.Time) error {
		if mod.Quantity != nil {
			order.Quantity = *mod.Quantity
		}
		if mod.Price != nil {
			order.Price = *mod.Price
		}
		if mod.Type != nil {
			order.Type = *mod.Type
		}
		if mod.TriggerPrice != nil {
			order.TriggerPrice = *mod.TriggerPrice
		}
		if err := validateResting(order); err != nil {
			return err
		}
		order.RecomputeValue()
		order.ModifiedAt = &now
		return nil
	}, models.OrderModified)
}

// Cancel cancels a PENDING order.
func (p *Processor) Cancel(ctx context.Context, session Session, orderID string) (*models.Order, error) {
	return p.transition(ctx, session, orderID, "cancel", func(order *models.Order, now time.Time) error {
		order.Status = models.OrderStatusCancelled
		order.CancelledAt = &now
		return nil
	}, models.OrderCancelled)
}

// transition applies change to a PENDING order owned by the session under
// the order's key lock, inside one transaction.
func (p *Processor) transition(ctx context.Context, session Session, orderID, action string,
	change func(order *models.Order, now time.Time) error, event models.OrderUpdateType) (*models.Order, error) {
	if err := validateSession(session); err != nil {
		return nil, err
	}
	existing, err := p.ownedOrder(ctx, p.store, session, orderID)
	if err != nil {
		return nil, err
	}

	unlock := p.locker.Lock(existing.HoldingKey())
	defer unlock()

	var updated *models.Order
	err = p.store.WithTx(ctx, func(tx store.Repository) error {
		order, err := p.ownedOrder(ctx, tx, session, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPending {
			return apperrors.InvalidState(order.ID, string(order.Status), action)
		}
		if err := change(order, p.now()); err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.LogOrder(logging.WithUser(p.logger, session.UserID), updated.ID, updated.Symbol, string(updated.Side), string(updated.Status))
	p.notify(updated.UserID, event, updated)
	return updated, nil
}

// Orders returns every order of the session's user, newest first.
func (p *Processor) Orders(ctx context.Context, session Session) ([]models.Order, error) {
	return p.listOrders(ctx, session)
}

// OrderBook returns the user's open orders.
func (p *Processor) OrderBook(ctx context.Context, session Session) ([]models.Order, error) {
	return p.listOrders(ctx, session, models.OrderStatusPending, models.OrderStatusPartiallyExecuted)
}

// TradeBook returns the user's filled orders.
func (p *Processor) TradeBook(ctx context.Context, session Session) ([]models.Order, error) {
	return p.listOrders(ctx, session, models.OrderStatusExecuted, models.OrderStatusPartiallyExecuted)
}

func (p *Processor) listOrders(ctx context.Context, session Session, statuses ...models.OrderStatus) ([]models.Order, error) {
	if err := validateSession(session); err != nil {
		return nil, err
	}
	return p.store.ListOrders(ctx, store.OrderFilter{UserID: session.UserID, Statuses: statuses})
}

// Order returns one order of the session's user.
func (p *Processor) Order(ctx context.Context, session Session, orderID string) (*models.Order, error) {
	if err := validateSession(session); err != nil {
		return nil, err
	}
	return p.ownedOrder(ctx, p.store, session, orderID)
}

// Available returns the quantity the user may sell: the delivery holding,
// or today's net intraday quantity.
func (p *Processor) Available(ctx context.Context, session Session, symbol string, exchange models.Exchange, product models.ProductType) (int64, error) {
	if err := validateSession(session); err != nil {
		return 0, err
	}
	if exchange == "" {
		exchange = p.cfg.DefaultExchange
	}
	if product == "" {
		product = p.cfg.DefaultProduct
	}
	if !product.Valid() {
		return 0, apperrors.NewValidationError("productType", product, "must be DELIVERY or INTRADAY")
	}
	key := models.HoldingKey{UserID: session.UserID, Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Exchange: exchange}
	return p.available(ctx, p.store, key, product)
}

func (p *Processor) available(ctx context.Context, repo store.Repository, key models.HoldingKey, product models.ProductType) (int64, error) {
	if product == models.ProductIntraday {
		rows, err := repo.ListPositions(ctx, store.PositionFilter{
			UserID:    key.UserID,
			Symbol:    key.Symbol,
			Exchange:  key.Exchange,
			Product:   models.ProductIntraday,
			TradeDate: utils.TradeDate(p.now()),
		})
		if err != nil {
			return 0, apperrors.Wrap(err, "loading intraday positions")
		}
		var net int64
		for _, row := range rows {
			net += row.Quantity
		}
		return max(net, 0), nil
	}

	holding, err := repo.GetHolding(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(err, "loading holding")
	}
	return holding.Quantity, nil
}

func (p *Processor) ownedOrder(ctx context.Context, repo store.Repository, session Session, orderID string) (*models.Order, error) {
	order, err := repo.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && order.UserID != session.UserID) {
		return nil, apperrors.NotFound("order", orderID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "loading order")
	}
	return order, nil
}

func (p *Processor) notify(userID string, kind models.OrderUpdateType, order *models.Order) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyOrder(userID, models.OrderUpdate{Type: kind, Order: *order})
}

// normalize applies defaults and validates a submission.
func (p *Processor) normalize(req models.OrderRequest) (models.OrderRequest, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return req, apperrors.NewValidationError("symbol", req.Symbol, "is required")
	}
	if req.Exchange == "" {
		req.Exchange = p.cfg.DefaultExchange
	}
	if req.Product == "" {
		req.Product = p.cfg.DefaultProduct
	}
	if req.Validity == "" {
		req.Validity = models.ValidityDay
	}

	switch {
	case !req.Exchange.Valid():
		return req, apperrors.NewValidationError("exchange", req.Exchange, "must be NSE or BSE")
	case !req.Side.Valid():
		return req, apperrors.NewValidationError("side", req.Side, "must be BUY or SELL")
	case !req.Type.Valid():
		return req, apperrors.NewValidationError("orderType", req.Type, "must be LIMIT, MARKET, STOP or STOP_MARKET")
	case !req.Product.Valid():
		return req, apperrors.NewValidationError("productType", req.Product, "must be DELIVERY or INTRADAY")
	case !req.Validity.Valid():
		return req, apperrors.NewValidationError("validity", req.Validity, "must be DAY or IOC")
	}
	if err := validatePricing(req.Type, req.Quantity, req.Price, req.TriggerPrice); err != nil {
		return req, err
	}
	return req, nil
}

// validateResting checks a modified PENDING order. A resting order cannot
// become MARKET.
func validateResting(order *models.Order) error {
	if !order.Type.Valid() {
		return apperrors.NewValidationError("orderType", order.Type, "must be LIMIT, STOP or STOP_MARKET")
	}
	if order.Type == models.OrderTypeMarket {
		return apperrors.NewValidationError("orderType", order.Type, "a pending order cannot be converted to MARKET")
	}
	return validatePricing(order.Type, order.Quantity, order.Price, order.TriggerPrice)
}

func validatePricing(typ models.OrderType, qty int64, price, trigger decimal.Decimal) error {
	if qty < 1 {
		return apperrors.NewValidationError("quantity", qty, "must be at least 1")
	}
	if typ != models.OrderTypeMarket && !price.IsPositive() {
		return apperrors.NewValidationError("price", price, "must be greater than zero")
	}
	if typ.NeedsTrigger() && !trigger.IsPositive() {
		return apperrors.NewValidationError("triggerPrice", trigger, "must be greater than zero")
	}
	return nil
}

func validateSession(session Session) error {
	if strings.TrimSpace(session.UserID) == "" {
		return apperrors.NewValidationError("userId", session.UserID, "session has no user")
	}
	return nil
}
