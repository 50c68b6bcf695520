package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/execution-engine/internal/broker"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func quote(bid, ask, bidSize, askSize, tick string) broker.Quote {
	return broker.Quote{
		Symbol:  "AAPL",
		Bid:     dec(bid),
		Ask:     dec(ask),
		BidSize: dec(bidSize),
		AskSize: dec(askSize),
		Tick:    dec(tick),
		At:      time.Now(),
	}
}

func TestLimitPrice_NeverCrossesAndStaysTickAligned(t *testing.T) {
	quotes := []broker.Quote{
		quote("4.14", "4.15", "37", "70", "0.01"),
		quote("10.00", "10.10", "500", "500", "0.01"),
		quote("99.95", "100.05", "1200", "800", "0.05"),
		quote("0.50", "0.53", "10000", "10000", "0.01"),
		quote("251.30", "251.30", "100", "100", "0.01"), // locked book
	}
	aggressions := []string{"0", "0.1", "0.25", "0.5", "0.77", "0.9", "1"}

	for _, q := range quotes {
		for _, a := range aggressions {
			buy, err := LimitPrice(broker.SideBuy, q, dec(a))
			require.NoError(t, err)
			assert.True(t, buy.LessThanOrEqual(q.Ask),
				"BUY price %s crosses ask %s at aggression %s", buy, q.Ask, a)
			assert.True(t, buy.Mod(q.Tick).IsZero(),
				"BUY price %s not aligned to tick %s", buy, q.Tick)

			sell, err := LimitPrice(broker.SideSell, q, dec(a))
			require.NoError(t, err)
			assert.True(t, sell.GreaterThanOrEqual(q.Bid),
				"SELL price %s crosses bid %s at aggression %s", sell, q.Bid, a)
			assert.True(t, sell.Mod(q.Tick).IsZero(),
				"SELL price %s not aligned to tick %s", sell, q.Tick)
		}
	}
}

func TestLimitPrice_FullAggressionRestsAtBoundary(t *testing.T) {
	q := quote("10.00", "10.10", "500", "500", "0.01")

	buy, err := LimitPrice(broker.SideBuy, q, dec("1"))
	require.NoError(t, err)
	assert.True(t, buy.Equal(q.Ask), "expected BUY at ask, got %s", buy)

	sell, err := LimitPrice(broker.SideSell, q, dec("1"))
	require.NoError(t, err)
	assert.True(t, sell.Equal(q.Bid), "expected SELL at bid, got %s", sell)
}

func TestLimitPrice_ZeroAggressionRestsPassive(t *testing.T) {
	q := quote("10.00", "10.10", "500", "500", "0.01")

	buy, err := LimitPrice(broker.SideBuy, q, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, buy.Equal(q.Bid))

	sell, err := LimitPrice(broker.SideSell, q, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, sell.Equal(q.Ask))
}

func TestLimitPrice_InterpolatesInsideSpread(t *testing.T) {
	// half aggression on a 10-tick spread lands in the middle
	q := quote("10.00", "10.10", "500", "500", "0.01")

	buy, err := LimitPrice(broker.SideBuy, q, dec("0.5"))
	require.NoError(t, err)
	assert.True(t, buy.Equal(dec("10.05")), "got %s", buy)

	sell, err := LimitPrice(broker.SideSell, q, dec("0.5"))
	require.NoError(t, err)
	assert.True(t, sell.Equal(dec("10.05")), "got %s", sell)
}

func TestLimitPrice_OneTickSpreadSkipsInterpolation(t *testing.T) {
	q := quote("4.14", "4.15", "37", "70", "0.01")

	// passive below full aggression
	buy, err := LimitPrice(broker.SideBuy, q, dec("0.6"))
	require.NoError(t, err)
	assert.True(t, buy.Equal(dec("4.14")), "got %s", buy)

	// full aggression improves one tick to the boundary, never past it
	buy, err = LimitPrice(broker.SideBuy, q, dec("1"))
	require.NoError(t, err)
	assert.True(t, buy.Equal(dec("4.15")), "got %s", buy)

	sell, err := LimitPrice(broker.SideSell, q, dec("1"))
	require.NoError(t, err)
	assert.True(t, sell.Equal(dec("4.14")), "got %s", sell)
}

func TestLimitPrice_RejectsCrossedQuote(t *testing.T) {
	q := quote("10.02", "10.00", "500", "500", "0.01")

	_, err := LimitPrice(broker.SideBuy, q, dec("0.5"))
	assert.ErrorIs(t, err, broker.ErrCrossedQuote)

	_, err = LimitPrice(broker.SideSell, q, dec("0.5"))
	assert.ErrorIs(t, err, broker.ErrCrossedQuote)
}

func TestLimitPrice_ClampsOutOfRangeAggression(t *testing.T) {
	q := quote("10.00", "10.10", "500", "500", "0.01")

	buy, err := LimitPrice(broker.SideBuy, q, dec("3.7"))
	require.NoError(t, err)
	assert.True(t, buy.Equal(q.Ask))

	buy, err = LimitPrice(broker.SideBuy, q, dec("-1"))
	require.NoError(t, err)
	assert.True(t, buy.Equal(q.Bid))
}

func TestLimitPrice_LargeOrderAtAskFromWideRatio(t *testing.T) {
	// a 4478-share BUY against 70 displayed: full aggression, at the ask
	q := quote("4.14", "4.15", "37", "70", "0.01")
	qty := dec("4478")

	a := Aggression(broker.SideBuy, qty, q)
	assert.True(t, a.Equal(dec("1")), "expected full aggression, got %s", a)

	price, err := LimitPrice(broker.SideBuy, q, a)
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("4.15")), "expected 4.15, got %s", price)
}
