package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Journal receives an audit copy of every child-order append and update.
// Journal failures never halt trading; they are logged and execution
// continues against the in-memory state.
type Journal interface {
	AppendChildOrder(ctx context.Context, correlationID string, o ChildOrder) error
	UpdateChildOrder(ctx context.Context, correlationID string, o ChildOrder) error
}

// Tracker is the append-only child-order book for one Request, owned
// exclusively by that request's worker. Child-order keys are
// deterministic (correlation id plus a monotonic attempt counter), so a
// replayed or duplicated re-peg attempt can never create a second live
// order for the same attempt.
type Tracker struct {
	correlationID string
	attempts      int
	orders        []*ChildOrder
	journal       Journal
	logger        *zap.Logger
}

// NewTracker creates a tracker for one request. journal may be nil.
func NewTracker(correlationID string, journal Journal, logger *zap.Logger) *Tracker {
	return &Tracker{
		correlationID: correlationID,
		journal:       journal,
		logger:        logger,
	}
}

// Append registers a new child order, assigning it the next attempt key.
// It refuses to append while another child order is still live: exactly
// one live child order may exist per request.
func (t *Tracker) Append(ctx context.Context, o *ChildOrder) error {
	if live := t.Live(); live != nil {
		return fmt.Errorf("child order %s is still live, refusing to append", live.Key)
	}

	t.attempts++
	o.Key = fmt.Sprintf("%s-%d", t.correlationID, t.attempts)
	t.orders = append(t.orders, o)

	if t.journal != nil {
		if err := t.journal.AppendChildOrder(ctx, t.correlationID, *o); err != nil {
			t.logger.Warn("failed to journal child order append",
				zap.String("correlation_id", t.correlationID),
				zap.String("child_key", o.Key),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Update mirrors a mutated child order into the journal
func (t *Tracker) Update(ctx context.Context, o *ChildOrder) {
	if t.journal != nil {
		if err := t.journal.UpdateChildOrder(ctx, t.correlationID, *o); err != nil {
			t.logger.Warn("failed to journal child order update",
				zap.String("correlation_id", t.correlationID),
				zap.String("child_key", o.Key),
				zap.Error(err),
			)
		}
	}
}

// Live returns the single non-terminal child order, or nil
func (t *Tracker) Live() *ChildOrder {
	for _, o := range t.orders {
		if o.Live() {
			return o
		}
	}
	return nil
}

// Last returns the most recently appended child order, or nil
func (t *Tracker) Last() *ChildOrder {
	if len(t.orders) == 0 {
		return nil
	}
	return t.orders[len(t.orders)-1]
}

// Orders returns the append-ordered child orders
func (t *Tracker) Orders() []*ChildOrder {
	return t.orders
}

// Count returns how many child orders have been created
func (t *Tracker) Count() int {
	return len(t.orders)
}

// TotalFilled sums filled quantity across all child orders
func (t *Tracker) TotalFilled() decimal.Decimal {
	total := decimal.Zero
	for _, o := range t.orders {
		total = total.Add(o.Filled)
	}
	return total
}

// AvgFillPrice returns the fill-weighted average price across all child
// orders, or zero when nothing has filled.
func (t *Tracker) AvgFillPrice() decimal.Decimal {
	filled := decimal.Zero
	notional := decimal.Zero
	for _, o := range t.orders {
		if o.Filled.IsPositive() {
			filled = filled.Add(o.Filled)
			notional = notional.Add(o.Filled.Mul(o.AvgFillPrice))
		}
	}
	if !filled.IsPositive() {
		return decimal.Zero
	}
	return notional.Div(filled)
}
