package engine

import (
	"github.com/shopspring/decimal"

	"github.com/oakline/execution-engine/internal/broker"
)

var one = decimal.NewFromInt(1)

// LimitPrice computes an inside-spread limit price for one side of the
// market. Aggression is a [0,1] factor: 0 rests at the passive touch, 1
// rests exactly at the marketable boundary (the ask for BUY, the bid for
// SELL). The result is tick-aligned and never crosses the quoted market:
// a BUY price never exceeds the ask, a SELL price never falls below the
// bid. A crossed quote is rejected with broker.ErrCrossedQuote.
func LimitPrice(side broker.Side, q broker.Quote, aggression decimal.Decimal) (decimal.Decimal, error) {
	if err := q.Validate(); err != nil {
		return decimal.Decimal{}, err
	}

	a := clamp01(aggression)
	spread := q.Spread()

	// A locked or one-tick spread leaves no room to interpolate: rest at
	// the passive touch, stepping one tick toward the boundary only at
	// full aggression.
	if spread.LessThanOrEqual(q.Tick) {
		switch side {
		case broker.SideBuy:
			if a.Equal(one) {
				return decimal.Min(q.Bid.Add(q.Tick), q.Ask), nil
			}
			return q.Bid, nil
		default:
			if a.Equal(one) {
				return decimal.Max(q.Ask.Sub(q.Tick), q.Bid), nil
			}
			return q.Ask, nil
		}
	}

	switch side {
	case broker.SideBuy:
		candidate := q.Bid.Add(a.Mul(spread))
		candidate = decimal.Min(decimal.Max(candidate, q.Bid), q.Ask)
		// round down so the price can never exceed the ask
		return floorToTick(candidate, q.Tick), nil
	default:
		candidate := q.Ask.Sub(a.Mul(spread))
		candidate = decimal.Min(decimal.Max(candidate, q.Bid), q.Ask)
		// round up so the price can never fall below the bid
		return ceilToTick(candidate, q.Tick), nil
	}
}

func floorToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Floor().Mul(tick)
}

func ceilToTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Ceil().Mul(tick)
}

func clamp01(a decimal.Decimal) decimal.Decimal {
	if a.IsNegative() {
		return decimal.Zero
	}
	if a.GreaterThan(one) {
		return one
	}
	return a
}
