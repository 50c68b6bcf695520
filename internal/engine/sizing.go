package engine

import (
	"github.com/shopspring/decimal"

	"github.com/oakline/execution-engine/internal/broker"
)

// SizeDecision is the outcome of a sizing calculation. Skip means no
// order should be placed; it is a designed completion, not a failure.
type SizeDecision struct {
	Quantity decimal.Decimal
	Skip     bool
	Reason   string
}

func skipSize(reason string) SizeDecision {
	return SizeDecision{Skip: true, Reason: reason}
}

// SizeOrder converts a target notional into an order quantity under the
// asset's trading rules. The reference price is the far touch at sizing
// time (ask for BUY, bid for SELL). SELL quantities are capped at the
// held position. Non-fractionable assets round down to whole units;
// fractionable assets below the minimum notional are skipped to avoid
// broker rejections and cost-basis noise from micro-orders.
func SizeOrder(notional decimal.Decimal, side broker.Side, refPrice decimal.Decimal, rules broker.AssetRules, held decimal.Decimal) SizeDecision {
	if !refPrice.IsPositive() {
		return skipSize("reference price is not positive")
	}
	if !notional.IsPositive() {
		return skipSize("target notional is not positive")
	}

	qty := notional.Div(refPrice)
	if side == broker.SideSell && qty.GreaterThan(held) {
		qty = held
	}
	return applyRules(qty, refPrice, rules)
}

// SizeRemainder re-applies the trading rules to a residual quantity after
// a partial fill or at window expiry, against a fresh reference price.
func SizeRemainder(remaining decimal.Decimal, refPrice decimal.Decimal, rules broker.AssetRules) SizeDecision {
	if !refPrice.IsPositive() {
		return skipSize("reference price is not positive")
	}
	return applyRules(remaining, refPrice, rules)
}

func applyRules(qty, refPrice decimal.Decimal, rules broker.AssetRules) SizeDecision {
	if !qty.IsPositive() {
		return skipSize("quantity rounds to zero")
	}

	if !rules.Fractionable {
		whole := qty.Floor()
		if whole.IsZero() {
			return skipSize("rounds to zero whole shares")
		}
		return SizeDecision{Quantity: whole}
	}

	if qty.Mul(refPrice).LessThan(rules.MinFractionalNotional) {
		return skipSize("below minimum fractional notional")
	}
	return SizeDecision{Quantity: qty}
}
