package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatIndianCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "₹0.00"},
		{"999.5", "₹999.50"},
		{"1555.45", "₹1,555.45"},
		{"1000000", "₹10,00,000.00"},
		{"-24.55", "-₹24.55"},
		{"123456789.129", "₹12,34,56,789.13"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatIndianCurrency(decimal.RequireFromString(tt.in)), tt.in)
	}
}

func TestFormatPercentAndPnL(t *testing.T) {
	assert.Equal(t, "+1.50%", FormatPercent(decimal.RequireFromString("1.5")))
	assert.Equal(t, "-1.55%", FormatPercent(decimal.RequireFromString("-1.5538")))
	assert.Equal(t, "+₹10.00", FormatPnL(decimal.NewFromInt(10)))
	assert.Equal(t, "-₹10.00", FormatPnL(decimal.NewFromInt(-10)))
	assert.Equal(t, "1,00,000", FormatQuantity(100000))
	assert.Equal(t, "-1,000", FormatQuantity(-1000))
}

func TestTradeDate(t *testing.T) {
	// 20:00 UTC is 01:30 IST on the following day.
	ts := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-11", TradeDate(ts))
}

func TestSessionAt(t *testing.T) {
	monday := func(h, m int) time.Time {
		return time.Date(2024, 3, 11, h, m, 0, 0, IndiaLocation)
	}
	assert.Equal(t, SessionPreOpen, SessionAt(monday(9, 5)))
	assert.Equal(t, SessionOpen, SessionAt(monday(11, 0)))
	assert.Equal(t, SessionClosed, SessionAt(monday(16, 0)))
	assert.Equal(t, SessionClosed, SessionAt(time.Date(2024, 3, 10, 11, 0, 0, 0, IndiaLocation)))
}

func TestRetryWithResult(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	calls := 0
	got, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}
	_, err := RetryWithResult(ctx, cfg, func() (int, error) { return 0, errors.New("fail") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}
