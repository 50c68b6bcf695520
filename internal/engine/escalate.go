package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/broker"
)

// Bounds on the post-deadline sweep. The window has already expired when
// escalation starts, so each phase gets a small fixed number of poll
// cycles rather than another wall-clock deadline.
const (
	escalateResolvePolls = 10
	escalatePlaceRetries = 5
	escalateAwaitPolls   = 60
)

// escalate runs the end-of-window sweep: finalize the passive child
// order, re-size the remainder, and either complete by designed skip or
// force completion with a market order. Broker rejections here are
// terminal and reported, not retried.
func (c *Controller) escalate(ctx context.Context) Result {
	c.logger.Info("execution window expired, escalating")

	remaining, res := c.resolvePassiveRemainder(ctx)
	if res != nil {
		return *res
	}
	if !remaining.IsPositive() {
		return c.finish(OutcomeFilled, "", false, false)
	}

	quote, err := c.escalationQuote(ctx)
	if err != nil {
		c.logger.Error("no usable quote for escalation", zap.Error(err))
		return c.finish(OutcomeRejected, "no usable quote for escalation: "+err.Error(), true, false)
	}

	decision := SizeRemainder(remaining, c.farTouch(quote), c.rules)
	if decision.Skip {
		// an economically meaningless remainder is a designed outcome
		c.logger.Info("remainder below sizing rules, completing without escalation",
			zap.String("remaining", remaining.String()),
			zap.String("reason", decision.Reason),
		)
		return c.finish(OutcomeSkipped, "", false, true)
	}

	return c.marketSweep(ctx, decision.Quantity)
}

// resolvePassiveRemainder cancels the live child order if any and pins
// down the true unfilled quantity. Cancellation is advisory: when it
// races a fill, the status poll decides.
func (c *Controller) resolvePassiveRemainder(ctx context.Context) (decimal.Decimal, *Result) {
	live := c.tracker.Live()
	if live == nil {
		if c.replacePending {
			return c.replaceRemainder, nil
		}
		if last := c.tracker.Last(); last != nil {
			return last.Remaining, nil
		}
		return decimal.Zero, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
	err := c.broker.CancelOrder(callCtx, live.OrderID)
	cancel()
	if err != nil && !errors.Is(err, broker.ErrOrderTerminal) {
		c.logger.Warn("cancel before escalation failed", zap.Error(err))
	}

	for i := 0; i < escalateResolvePolls; i++ {
		status, err := c.orderStatus(ctx, live.OrderID)
		if err == nil {
			live.Filled = status.FilledQty
			live.Remaining = status.RemainingQty
			live.AvgFillPrice = status.AvgFillPrice
			switch status.State {
			case broker.OrderFilled:
				live.State = ChildFilled
				c.tracker.Update(ctx, live)
				return decimal.Zero, nil
			case broker.OrderCanceled, broker.OrderRejected:
				live.State = ChildCanceled
				if status.State == broker.OrderRejected {
					live.State = ChildRejected
				}
				c.tracker.Update(ctx, live)
				return status.RemainingQty, nil
			}
		}
		if !c.sleepCtx(ctx) {
			res := c.abort()
			return decimal.Zero, &res
		}
	}

	// the cancel never confirmed: the order may still be live at the
	// broker, and a market sweep on top of it can overfill the request
	c.logger.Error("order state unconfirmed before escalation, refusing to sweep",
		zap.String("child_key", live.Key),
		zap.String("last_known_remaining", live.Remaining.String()),
	)
	res := c.finish(OutcomeRejected,
		fmt.Sprintf("cancellation of child order %s unconfirmed; order state unknown", live.Key),
		false, false)
	return decimal.Zero, &res
}

// marketSweep submits the final market order and awaits its terminal state
func (c *Controller) marketSweep(ctx context.Context, qty decimal.Decimal) Result {
	var orderID string
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
		id, err := c.broker.PlaceMarketOrder(callCtx, c.req.Symbol, c.req.Side, qty)
		cancel()

		if err == nil {
			orderID = id
			break
		}
		if broker.IsRejected(err) {
			// trading halt or restriction: terminal, reported, no retry
			c.logger.Error("market order rejected", zap.Error(err))
			return c.finish(OutcomeRejected, err.Error(), true, false)
		}
		if attempt+1 >= escalatePlaceRetries {
			c.logger.Error("market order placement kept failing", zap.Error(err))
			return c.finish(OutcomeRejected, "market order placement failed: "+err.Error(), true, false)
		}
		if !c.sleepCtx(ctx) {
			return c.abort()
		}
	}

	child := &ChildOrder{
		OrderID:   orderID,
		Symbol:    c.req.Symbol,
		Side:      c.req.Side,
		Market:    true,
		Quantity:  qty,
		Filled:    decimal.Zero,
		Remaining: qty,
		State:     ChildEscalating,
		CreatedAt: time.Now(),
	}
	if err := c.tracker.Append(ctx, child); err != nil {
		c.logger.Error("tracker refused escalation order", zap.Error(err))
		return c.finish(OutcomeRejected, err.Error(), true, false)
	}
	c.logger.Info("market order placed for remainder",
		zap.String("child_key", child.Key),
		zap.String("order_id", orderID),
		zap.String("quantity", qty.String()),
	)

	for i := 0; i < escalateAwaitPolls; i++ {
		status, err := c.orderStatus(ctx, orderID)
		if err == nil {
			child.Filled = status.FilledQty
			child.Remaining = status.RemainingQty
			child.AvgFillPrice = status.AvgFillPrice
			switch status.State {
			case broker.OrderFilled:
				child.State = ChildFilled
				c.tracker.Update(ctx, child)
				return c.finish(OutcomeEscalated, "", true, false)
			case broker.OrderRejected:
				child.State = ChildRejected
				c.tracker.Update(ctx, child)
				return c.finish(OutcomeRejected, "market order rejected by broker", true, false)
			case broker.OrderCanceled:
				child.State = ChildCanceled
				c.tracker.Update(ctx, child)
				return c.finish(OutcomeRejected, "market order canceled at broker", true, false)
			}
		}
		if !c.sleepCtx(ctx) {
			return c.abort()
		}
	}

	c.tracker.Update(ctx, child)
	return c.finish(OutcomeRejected, "market order never reached a terminal state", true, false)
}

// escalationQuote retries for a usable quote a bounded number of times
func (c *Controller) escalationQuote(ctx context.Context) (broker.Quote, error) {
	var lastErr error
	for i := 0; i < escalateResolvePolls; i++ {
		quote, err := c.freshQuote(ctx)
		if err == nil {
			return quote, nil
		}
		lastErr = err
		if !c.sleepCtx(ctx) {
			return broker.Quote{}, ctx.Err()
		}
	}
	return broker.Quote{}, lastErr
}

// sleepCtx waits one poll interval; false means the context was canceled
func (c *Controller) sleepCtx(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.cfg.PollInterval):
		return true
	}
}
