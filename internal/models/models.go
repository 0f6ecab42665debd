// Package models provides domain models for the trading application.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// Valid reports whether e is a supported exchange.
func (e Exchange) Valid() bool {
	return e == NSE || e == BSE
}

var hundred = decimal.NewFromInt(100)

// OHLC is the open/high/low/close summary for the current trading period.
type OHLC struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
}

// Instrument is the authoritative current state of a tradeable symbol.
type Instrument struct {
	Symbol        string          `json:"symbol"`
	Exchange      Exchange        `json:"exchange"`
	Name          string          `json:"name"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	PreviousClose decimal.Decimal `json:"previousClose"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	OHLC          OHLC            `json:"ohlc"`
	Volume        int64           `json:"volume"`
	Active        bool            `json:"isActive"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Recalculate derives Change and ChangePercent from LastPrice and the fixed
// PreviousClose. A zero previous close yields a zero percentage.
func (i *Instrument) Recalculate() {
	i.Change = i.LastPrice.Sub(i.PreviousClose)
	if i.PreviousClose.IsZero() {
		i.ChangePercent = decimal.Zero
		return
	}
	i.ChangePercent = i.Change.Div(i.PreviousClose).Mul(hundred)
}

// ApplyPrice moves the instrument to a new last price, updating the running
// OHLC and adding volumeStep to the session volume.
func (i *Instrument) ApplyPrice(price decimal.Decimal, volumeStep int64, at time.Time) {
	i.LastPrice = price
	i.Recalculate()

	if i.OHLC.Open.IsZero() {
		i.OHLC.Open = price
	}
	if i.OHLC.High.IsZero() || price.GreaterThan(i.OHLC.High) {
		i.OHLC.High = price
	}
	if i.OHLC.Low.IsZero() || price.LessThan(i.OHLC.Low) {
		i.OHLC.Low = price
	}
	i.OHLC.Close = price
	i.Volume += volumeStep
	i.UpdatedAt = at
}

// Tick builds the immutable tick record for the instrument's current state.
func (i *Instrument) Tick(at time.Time) Tick {
	return Tick{
		Symbol:        i.Symbol,
		Exchange:      i.Exchange,
		LastPrice:     i.LastPrice,
		Change:        i.Change,
		ChangePercent: i.ChangePercent,
		Volume:        i.Volume,
		OHLC:          i.OHLC,
		Timestamp:     at,
	}
}

// Tick represents one simulated price update.
type Tick struct {
	Symbol        string          `json:"symbol"`
	Exchange      Exchange        `json:"exchange"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Volume        int64           `json:"volume"`
	OHLC          OHLC            `json:"ohlc"`
	Timestamp     time.Time       `json:"timestamp"`
}
