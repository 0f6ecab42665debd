package market

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"paper-trader/internal/models"
	"paper-trader/internal/store"
)

type seedInstrument struct {
	symbol        string
	name          string
	lastPrice     string
	previousClose string
}

var referenceInstruments = []seedInstrument{
	{"INFY", "Infosys Limited", "1555.45", "1580.00"},
	{"TCS", "Tata Consultancy Services", "3194.80", "3202.00"},
	{"ITC", "ITC Limited", "262.25", "263.30"},
	{"RELIANCE", "Reliance Industries", "2112.40", "2082.15"},
	{"HDFCBANK", "HDFC Bank Limited", "1522.35", "1520.75"},
	{"WIPRO", "Wipro Limited", "577.75", "575.90"},
	{"BHARTIARTL", "Bharti Airtel Limited", "541.15", "538.05"},
	{"SBIN", "State Bank of India", "430.20", "431.67"},
	{"ONGC", "Oil & Natural Gas Corporation", "116.80", "116.90"},
	{"HINDUNILVR", "Hindustan Unilever Limited", "2417.40", "2412.35"},
}

// ReferenceInstruments returns the NSE instruments the platform ships with,
// with an opening session spread drawn from rng.
func ReferenceInstruments(rng *rand.Rand, now time.Time) []models.Instrument {
	insts := make([]models.Instrument, 0, len(referenceInstruments))
	for _, r := range referenceInstruments {
		ltp := decimal.RequireFromString(r.lastPrice)
		prev := decimal.RequireFromString(r.previousClose)

		inst := models.Instrument{
			Symbol:        r.symbol,
			Exchange:      models.NSE,
			Name:          r.name,
			LastPrice:     ltp,
			PreviousClose: prev,
			OHLC: models.OHLC{
				Open:  prev.Add(decimal.NewFromFloat((rng.Float64() - 0.5) * 10)).Round(2),
				High:  ltp.Add(decimal.NewFromFloat(rng.Float64() * 20)).Round(2),
				Low:   ltp.Sub(decimal.NewFromFloat(rng.Float64() * 15)).Round(2),
				Close: ltp,
			},
			Volume:    100000 + rng.Int64N(1000000),
			Active:    true,
			UpdatedAt: now,
		}
		inst.Recalculate()
		insts = append(insts, inst)
	}
	return insts
}

// SeedInstruments inserts any reference instrument missing from st and
// returns how many were created. Existing instruments are left untouched.
func SeedInstruments(ctx context.Context, st store.Store, rng *rand.Rand) (int, error) {
	created := 0
	err := st.WithTx(ctx, func(tx store.Repository) error {
		for _, inst := range ReferenceInstruments(rng, time.Now()) {
			_, err := tx.GetInstrument(ctx, inst.Symbol, inst.Exchange)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := tx.SaveInstrument(ctx, &inst); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
