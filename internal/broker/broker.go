package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Quote is an immutable snapshot of the top of book for one symbol.
// All prices are fixed-point decimals aligned to Tick.
type Quote struct {
	Symbol  string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
	Tick    decimal.Decimal
	At      time.Time
}

// Mid returns the midpoint of the quoted spread
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Validate rejects quotes this subsystem must never trade on: a crossed
// book (bid above ask) or a quote without a usable tick size.
func (q Quote) Validate() error {
	if q.Bid.GreaterThan(q.Ask) {
		return ErrCrossedQuote
	}
	if !q.Tick.IsPositive() {
		return ErrInvalidTick
	}
	return nil
}

// OrderState is the broker-reported lifecycle state of one order
type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
)

// Terminal reports whether the state admits no further fills
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// OrderStatus is the broker's view of one order at poll time
type OrderStatus struct {
	OrderID      string
	State        OrderState
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// AssetRules is the reference data consulted on every sizing decision
type AssetRules struct {
	Fractionable          bool
	MinFractionalNotional decimal.Decimal
}

// Broker is the connectivity surface the engine works against. All calls
// take a context and are expected to apply a bounded timeout internally;
// a timed-out call is reported as retryable and resolved by the next
// status poll, never assumed to have succeeded or failed.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, limitPrice decimal.Decimal) (string, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetAssetRules(ctx context.Context, symbol string) (AssetRules, error)
}
