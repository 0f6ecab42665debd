package trading

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"paper-trader/internal/models"
	"paper-trader/internal/store"
	"paper-trader/pkg/utils"
)

var hundred = decimal.NewFromInt(100)

// HoldingView is a holding valued at the instrument's last price.
type HoldingView struct {
	models.Holding
	LastPrice     decimal.Decimal `json:"ltp"`
	InvestedValue decimal.Decimal `json:"investedValue"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercent    decimal.Decimal `json:"pnlPercent"`
	DayChange     decimal.Decimal `json:"dayChange"`
	DayPnL        decimal.Decimal `json:"dayPnl"`
}

// PositionView is a netted intraday position valued at the last price. PnL
// includes both the closed and the open part of the day's trading.
type PositionView struct {
	models.NetPosition
	LastPrice     decimal.Decimal `json:"ltp"`
	InvestedValue decimal.Decimal `json:"investedValue"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	PnL           decimal.Decimal `json:"pnl"`
	PnLPercent    decimal.Decimal `json:"pnlPercent"`
	DayChange     decimal.Decimal `json:"dayChange"`
}

// Portfolio builds read-only valuation views.
type Portfolio struct {
	store  store.Repository
	ledger *Ledger
	now    func() time.Time
}

// NewPortfolio creates a portfolio view over st.
func NewPortfolio(st store.Repository, ledger *Ledger) *Portfolio {
	return &Portfolio{store: st, ledger: ledger, now: time.Now}
}

// Holdings returns the user's holdings valued at current prices.
func (pf *Portfolio) Holdings(ctx context.Context, userID string) ([]HoldingView, error) {
	holdings, err := pf.store.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(holdings))
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}
	prices, err := pf.instruments(ctx, symbols)
	if err != nil {
		return nil, err
	}

	views := make([]HoldingView, 0, len(holdings))
	for _, h := range holdings {
		qty := decimal.NewFromInt(h.Quantity)
		v := HoldingView{
			Holding:       h,
			LastPrice:     h.AvgPrice,
			InvestedValue: h.TotalInvested,
		}
		if inst, ok := prices[instrumentKey(h.Symbol, h.Exchange)]; ok {
			v.LastPrice = inst.LastPrice
			v.DayChange = inst.ChangePercent
			v.DayPnL = qty.Mul(inst.Change)
		}
		v.CurrentValue = qty.Mul(v.LastPrice)
		v.PnL = v.CurrentValue.Sub(v.InvestedValue)
		v.PnLPercent = percentOf(v.PnL, v.InvestedValue)
		views = append(views, v)
	}
	return views, nil
}

// Positions returns the user's netted intraday positions for tradeDate
// (today in IST when empty).
func (pf *Portfolio) Positions(ctx context.Context, userID, tradeDate string) ([]PositionView, error) {
	if tradeDate == "" {
		tradeDate = utils.TradeDate(pf.now())
	}
	rows, err := pf.store.ListPositions(ctx, store.PositionFilter{UserID: userID, TradeDate: tradeDate})
	if err != nil {
		return nil, err
	}
	nets := NetPositions(rows)

	symbols := make([]string, 0, len(nets))
	for _, n := range nets {
		symbols = append(symbols, n.Symbol)
	}
	prices, err := pf.instruments(ctx, symbols)
	if err != nil {
		return nil, err
	}

	views := make([]PositionView, 0, len(nets))
	for _, n := range nets {
		v := PositionView{NetPosition: n, LastPrice: n.AvgPrice}
		if inst, ok := prices[instrumentKey(n.Symbol, n.Exchange)]; ok {
			v.LastPrice = inst.LastPrice
			v.DayChange = inst.ChangePercent
		}
		net := decimal.NewFromInt(n.Quantity)
		v.InvestedValue = net.Abs().Mul(n.AvgPrice)
		v.CurrentValue = net.Abs().Mul(v.LastPrice)
		v.PnL = n.SellValue.Sub(n.BuyValue).Add(net.Mul(v.LastPrice))
		base := n.BuyValue
		if base.IsZero() {
			base = n.SellValue
		}
		v.PnLPercent = percentOf(v.PnL, base)
		views = append(views, v)
	}
	return views, nil
}

// PositionRows returns the raw intraday rows matching filter, one per trade.
func (pf *Portfolio) PositionRows(ctx context.Context, filter store.PositionFilter) ([]models.Position, error) {
	return pf.store.ListPositions(ctx, filter)
}

// Summary totals holdings and today's positions.
func (pf *Portfolio) Summary(ctx context.Context, userID string) (*PortfolioSummary, error) {
	holdings, err := pf.Holdings(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := pf.Positions(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	s := &PortfolioSummary{HoldingCount: len(holdings), PositionCount: len(positions)}
	for _, h := range holdings {
		s.TotalInvested = s.TotalInvested.Add(h.InvestedValue)
		s.CurrentValue = s.CurrentValue.Add(h.CurrentValue)
		s.DayPnL = s.DayPnL.Add(h.DayPnL)
	}
	for _, p := range positions {
		s.TotalInvested = s.TotalInvested.Add(p.InvestedValue)
		s.CurrentValue = s.CurrentValue.Add(p.InvestedValue.Add(p.PnL))
		s.DayPnL = s.DayPnL.Add(p.PnL)
	}
	s.TotalPnL = s.CurrentValue.Sub(s.TotalInvested)
	s.TotalPnLPercent = percentOf(s.TotalPnL, s.TotalInvested)
	s.DayPnLPercent = percentOf(s.DayPnL, s.TotalInvested)
	return s, nil
}

// Funds returns the user's cash alongside the portfolio's value.
func (pf *Portfolio) Funds(ctx context.Context, userID string) (*FundsSummary, error) {
	balance, err := pf.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	summary, err := pf.Summary(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &FundsSummary{
		UserID:    userID,
		Available: balance,
		Invested:  summary.TotalInvested,
		Current:   summary.CurrentValue,
		Total:     balance.Add(summary.CurrentValue),
	}, nil
}

// NetPositions folds position rows into one entry per (symbol, exchange,
// product, trade date). AvgPrice is the buy-side average for a flat or long
// net quantity and the sell-side average for a short one.
func NetPositions(rows []models.Position) []models.NetPosition {
	type netKey struct {
		symbol   string
		exchange models.Exchange
		product  models.ProductType
		date     string
	}
	byKey := make(map[netKey]*models.NetPosition)
	var order []netKey

	for _, r := range rows {
		k := netKey{r.Symbol, r.Exchange, r.Product, r.TradeDate}
		n, ok := byKey[k]
		if !ok {
			n = &models.NetPosition{
				UserID:    r.UserID,
				Symbol:    r.Symbol,
				Exchange:  r.Exchange,
				Product:   r.Product,
				TradeDate: r.TradeDate,
			}
			byKey[k] = n
			order = append(order, k)
		}
		value := r.AvgPrice.Mul(decimal.NewFromInt(r.Quantity).Abs())
		if r.Quantity >= 0 {
			n.BuyQuantity += r.Quantity
			n.BuyValue = n.BuyValue.Add(value)
		} else {
			n.SellQuantity += -r.Quantity
			n.SellValue = n.SellValue.Add(value)
		}
		n.Quantity += r.Quantity
		n.Trades++
	}

	out := make([]models.NetPosition, 0, len(order))
	for _, k := range order {
		n := byKey[k]
		switch {
		case n.Quantity < 0 && n.SellQuantity > 0:
			n.AvgPrice = n.SellValue.Div(decimal.NewFromInt(n.SellQuantity))
		case n.BuyQuantity > 0:
			n.AvgPrice = n.BuyValue.Div(decimal.NewFromInt(n.BuyQuantity))
		case n.SellQuantity > 0:
			n.AvgPrice = n.SellValue.Div(decimal.NewFromInt(n.SellQuantity))
		}
		out = append(out, *n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (pf *Portfolio) instruments(ctx context.Context, symbols []string) (map[string]models.Instrument, error) {
	out := make(map[string]models.Instrument)
	if len(symbols) == 0 {
		return out, nil
	}
	insts, err := pf.store.FindInstruments(ctx, symbols)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		out[instrumentKey(inst.Symbol, inst.Exchange)] = inst
	}
	return out, nil
}

func instrumentKey(symbol string, exchange models.Exchange) string {
	return string(exchange) + ":" + symbol
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
