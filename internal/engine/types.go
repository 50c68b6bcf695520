package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakline/execution-engine/internal/broker"
)

// Request is one rebalance line item: buy or sell a dollar amount of one
// symbol before Deadline. Immutable once created.
type Request struct {
	Symbol         string
	Side           broker.Side
	TargetNotional decimal.Decimal
	// HeldPosition caps SELL quantities; ignored for BUY
	HeldPosition  decimal.Decimal
	CorrelationID string
	Deadline      time.Time
}

// ChildState is the engine-side lifecycle state of one child order
type ChildState int

const (
	ChildPlaced ChildState = iota
	ChildResting
	ChildPartiallyFilled
	ChildEscalating
	ChildFilled
	ChildCanceled
	ChildRejected
	ChildSkipped
)

func (s ChildState) String() string {
	switch s {
	case ChildPlaced:
		return "PLACED"
	case ChildResting:
		return "RESTING"
	case ChildPartiallyFilled:
		return "PARTIALLY_FILLED"
	case ChildEscalating:
		return "ESCALATING"
	case ChildFilled:
		return "FILLED"
	case ChildCanceled:
		return "CANCELED"
	case ChildRejected:
		return "REJECTED"
	case ChildSkipped:
		return "SKIPPED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the child order can take no further fills
func (s ChildState) Terminal() bool {
	switch s {
	case ChildFilled, ChildCanceled, ChildRejected, ChildSkipped:
		return true
	}
	return false
}

// ChildOrder is one broker order instance belonging to a Request. At most
// one child order per request is live at any time; Filled + Remaining
// always equals Quantity.
type ChildOrder struct {
	Key          string
	OrderID      string
	Symbol       string
	Side         broker.Side
	LimitPrice   decimal.Decimal
	Market       bool
	Quantity     decimal.Decimal
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	State        ChildState
	CreatedAt    time.Time
	LastRepegAt  time.Time
}

// Live reports whether the child order is open at the broker
func (o *ChildOrder) Live() bool {
	return o != nil && !o.State.Terminal()
}

// Outcome classifies how a Request reached its terminal state. Downstream
// consumers branch on this, not on the absence of a failure reason.
type Outcome string

const (
	// OutcomeFilled: the target quantity filled during the passive window
	OutcomeFilled Outcome = "FILLED"
	// OutcomeEscalated: a market-order sweep completed the remainder
	OutcomeEscalated Outcome = "ESCALATED"
	// OutcomeSkipped: the order or its remainder fell below the sizing
	// rules; completion by design, not a failure
	OutcomeSkipped Outcome = "SKIPPED"
	// OutcomeRejected: the broker terminally rejected the request
	OutcomeRejected Outcome = "REJECTED"
	// OutcomeAborted: an external cancellation interrupted the worker
	OutcomeAborted Outcome = "ABORTED"
)

// Result is the terminal report for one Request, published exactly once
type Result struct {
	CorrelationID              string
	Symbol                     string
	Side                       broker.Side
	RequestedNotional          decimal.Decimal
	FilledQuantity             decimal.Decimal
	AvgFillPrice               decimal.Decimal
	ChildOrderCount            int
	Escalated                  bool
	CompletedWithoutEscalation bool
	Outcome                    Outcome
	FailureReason              string
}
