package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// TradeDateLayout is the layout of trade date strings.
const TradeDateLayout = "2006-01-02"

// TradeDate returns the IST calendar date of t, which keys intraday positions.
func TradeDate(t time.Time) string {
	return t.In(IndiaLocation).Format(TradeDateLayout)
}

// MarketSession names the exchange session at a point in time.
type MarketSession string

const (
	SessionClosed  MarketSession = "CLOSED"
	SessionPreOpen MarketSession = "PRE_OPEN"
	SessionOpen    MarketSession = "OPEN"
)

// SessionAt returns the NSE session at t. /health reports it; the simulator
// runs regardless.
func SessionAt(t time.Time) MarketSession {
	now := t.In(IndiaLocation)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return SessionClosed
	}

	minutes := now.Hour()*60 + now.Minute()
	switch {
	case minutes >= 540 && minutes < 555: // 9:00 - 9:15
		return SessionPreOpen
	case minutes >= 555 && minutes < 930: // 9:15 - 15:30
		return SessionOpen
	}
	return SessionClosed
}
