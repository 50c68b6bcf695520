package engine

import (
	"github.com/shopspring/decimal"

	"github.com/oakline/execution-engine/internal/broker"
)

// passiveRatioCeiling is the order-size-to-resting-size ratio below which
// an order is small enough to rest inside the spread instead of at the
// marketable boundary.
var passiveRatioCeiling = decimal.NewFromFloat(0.3)

// Aggression derives a [0,1] pricing aggression from how large the order
// is relative to the displayed liquidity it would consume: the ask size
// for a BUY, the bid size for a SELL. It is pure and strictly side-scoped;
// it never produces anything for the side not being traded.
//
// Orders larger than passiveRatioCeiling times the resting size get full
// aggression and rest at the boundary for a near-certain fill. Smaller
// orders get the fraction that lands one tick inside the boundary. An
// empty or absent resting size is treated as no displayed liquidity and
// priced at full aggression.
func Aggression(side broker.Side, orderQty decimal.Decimal, q broker.Quote) decimal.Decimal {
	resting := q.AskSize
	if side == broker.SideSell {
		resting = q.BidSize
	}
	if !resting.IsPositive() {
		return one
	}

	ratio := orderQty.Div(resting)
	if ratio.GreaterThan(passiveRatioCeiling) {
		return one
	}

	spread := q.Spread()
	if spread.LessThanOrEqual(q.Tick) {
		// nothing to interpolate; the pricing engine rests passive
		return decimal.Zero
	}

	// one tick of improvement over the boundary
	return one.Sub(q.Tick.Div(spread))
}
