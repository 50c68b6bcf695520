package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/broker"
)

// Config holds the tunables of the passive working loop. These are policy
// parameters, validated empirically, not hard invariants.
type Config struct {
	PollInterval             time.Duration
	RepegDriftToleranceTicks int
	StallInterval            time.Duration
	MinFractionalNotional    decimal.Decimal
	BrokerTimeout            time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.RepegDriftToleranceTicks <= 0 {
		c.RepegDriftToleranceTicks = 2
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 10 * time.Second
	}
	if !c.MinFractionalNotional.IsPositive() {
		c.MinFractionalNotional = decimal.NewFromInt(1)
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 5 * time.Second
	}
	return c
}

// Controller works one Request to completion: it places the initial
// inside-spread order, polls status and quotes on a fixed cadence,
// cancels and replaces on drift or stall, and escalates any economically
// meaningful remainder to a market order when the deadline arrives.
//
// Execution within one controller is single-threaded: poll, decide, act,
// sleep. The only race it must tolerate is external (a cancel racing a
// broker-side fill), which it handles by treating cancellation as
// advisory; the next status read is authoritative.
type Controller struct {
	broker  broker.Broker
	tracker *Tracker
	logger  *zap.Logger
	cfg     Config
	req     Request
	rules   broker.AssetRules

	// set when a cancel has been confirmed and a replacement for the
	// remainder has not yet been submitted
	replacePending   bool
	replaceRemainder decimal.Decimal

	// key of the live child a cancel has been requested for; duplicate
	// re-peg triggers while the cancel is in flight are no-ops
	cancelRequestedKey string

	lastFillAt time.Time
}

// NewController creates a controller for one request. journal may be nil.
func NewController(b broker.Broker, req Request, cfg Config, journal Journal, logger *zap.Logger) *Controller {
	return &Controller{
		broker: b,
		cfg:    cfg.withDefaults(),
		req:    req,
		tracker: NewTracker(req.CorrelationID, journal, logger),
		logger: logger.With(
			zap.String("correlation_id", req.CorrelationID),
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
		),
	}
}

// Tracker exposes the child-order book for result assembly and tests
func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

// Run drives the request to its terminal state and returns the result
// that must be published. It never returns an error: every failure mode
// is folded into the Result per the error taxonomy.
func (c *Controller) Run(ctx context.Context) Result {
	c.logger.Info("starting execution request",
		zap.String("target_notional", c.req.TargetNotional.String()),
		zap.Time("deadline", c.req.Deadline),
	)

	if res := c.fetchRules(ctx); res != nil {
		return *res
	}
	if res := c.placeInitial(ctx); res != nil {
		return *res
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.abort()
		case <-ticker.C:
			if !time.Now().Before(c.req.Deadline) {
				return c.escalate(ctx)
			}
			if res := c.cycle(ctx); res != nil {
				return *res
			}
		}
	}
}

// fetchRules loads the asset's trading rules, retrying transient failures
// until the deadline. Returns a terminal result on rejection or timeout.
func (c *Controller) fetchRules(ctx context.Context) *Result {
	for {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
		rules, err := c.broker.GetAssetRules(callCtx, c.req.Symbol)
		cancel()

		if err == nil {
			if !rules.MinFractionalNotional.IsPositive() {
				rules.MinFractionalNotional = c.cfg.MinFractionalNotional
			}
			c.rules = rules
			return nil
		}
		if broker.IsRejected(err) {
			c.logger.Error("asset rules lookup rejected", zap.Error(err))
			res := c.finish(OutcomeRejected, err.Error(), false, false)
			return &res
		}

		c.logger.Warn("asset rules lookup failed, retrying", zap.Error(err))
		if res := c.sleepOrTerminal(ctx, "could not load asset rules before deadline"); res != nil {
			return res
		}
	}
}

// placeInitial sizes and submits the first child order. Returns a
// terminal result when the request resolves without ever placing one.
func (c *Controller) placeInitial(ctx context.Context) *Result {
	for {
		quote, err := c.freshQuote(ctx)
		if err == nil {
			decision := SizeOrder(c.req.TargetNotional, c.req.Side, c.farTouch(quote), c.rules, c.req.HeldPosition)
			if decision.Skip {
				c.logger.Info("request skipped at sizing", zap.String("reason", decision.Reason))
				res := c.finish(OutcomeSkipped, "", false, true)
				return &res
			}

			if res, placed := c.submitLimit(ctx, decision.Quantity, quote); placed || res != nil {
				return res
			}
		}

		if res := c.sleepOrTerminal(ctx, "could not place initial order before deadline"); res != nil {
			return res
		}
	}
}

// submitLimit prices and places a limit order for qty against the given
// quote. placed reports whether a child order is now live; a non-nil
// result is terminal. (nil, false) means retry with a fresh quote.
func (c *Controller) submitLimit(ctx context.Context, qty decimal.Decimal, quote broker.Quote) (*Result, bool) {
	aggression := Aggression(c.req.Side, qty, quote)
	price, err := LimitPrice(c.req.Side, quote, aggression)
	if err != nil {
		c.logger.Warn("rejecting quote for pricing", zap.Error(err))
		return nil, false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
	orderID, err := c.broker.PlaceLimitOrder(callCtx, c.req.Symbol, c.req.Side, qty, price)
	cancel()

	if err != nil {
		if broker.IsRejected(err) {
			c.logger.Error("limit order rejected", zap.Error(err))
			res := c.finish(OutcomeRejected, err.Error(), false, false)
			return &res, false
		}
		c.logger.Warn("limit order placement failed, will retry", zap.Error(err))
		return nil, false
	}

	now := time.Now()
	child := &ChildOrder{
		OrderID:    orderID,
		Symbol:     c.req.Symbol,
		Side:       c.req.Side,
		LimitPrice: price,
		Quantity:   qty,
		Filled:     decimal.Zero,
		Remaining:  qty,
		State:      ChildPlaced,
		CreatedAt:  now,
	}
	if err := c.tracker.Append(ctx, child); err != nil {
		// cannot happen in the single-threaded loop; surface loudly
		c.logger.Error("tracker refused child order", zap.Error(err))
		res := c.finish(OutcomeRejected, err.Error(), false, false)
		return &res, false
	}
	c.lastFillAt = now

	c.logger.Info("limit order placed",
		zap.String("child_key", child.Key),
		zap.String("order_id", orderID),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
		zap.String("aggression", aggression.String()),
	)
	return nil, true
}

// cycle runs one poll iteration of the working loop. A non-nil result is
// terminal; nil means keep polling.
func (c *Controller) cycle(ctx context.Context) *Result {
	live := c.tracker.Live()

	if live == nil {
		if c.replacePending {
			return c.placeRemainder(ctx)
		}
		// no live order and nothing pending: the last status poll must
		// decide; nothing to do this cycle
		return nil
	}

	status, err := c.orderStatus(ctx, live.OrderID)
	if err != nil {
		c.logger.Warn("status poll failed, retrying next cycle", zap.Error(err))
		return nil
	}

	if res := c.applyStatus(ctx, live, status); res != nil {
		return res
	}
	if !live.Live() {
		// canceled for re-peg; replace in this same cycle
		if c.replacePending {
			return c.placeRemainder(ctx)
		}
		return nil
	}

	quote, err := c.freshQuote(ctx)
	if err != nil {
		// crossed or stale book: do not act on it, wait for the next poll
		return nil
	}
	c.maybeRepeg(ctx, live, quote)
	return nil
}

// applyStatus folds a broker status into the live child order and
// resolves terminal broker states. A non-nil result is terminal for the
// whole request.
func (c *Controller) applyStatus(ctx context.Context, live *ChildOrder, status broker.OrderStatus) *Result {
	if status.FilledQty.GreaterThan(live.Filled) {
		c.lastFillAt = time.Now()
	}
	live.Filled = status.FilledQty
	live.Remaining = status.RemainingQty
	live.AvgFillPrice = status.AvgFillPrice

	switch status.State {
	case broker.OrderFilled:
		live.State = ChildFilled
		c.tracker.Update(ctx, live)
		c.logger.Info("child order filled",
			zap.String("child_key", live.Key),
			zap.String("filled", live.Filled.String()),
		)
		res := c.finish(OutcomeFilled, "", false, false)
		return &res

	case broker.OrderRejected:
		live.State = ChildRejected
		c.tracker.Update(ctx, live)
		c.logger.Error("child order rejected by broker", zap.String("child_key", live.Key))
		res := c.finish(OutcomeRejected, "broker rejected child order "+live.Key, false, false)
		return &res

	case broker.OrderCanceled:
		// cancellation confirmed; the status fill counts are
		// authoritative for the remainder
		live.State = ChildCanceled
		c.tracker.Update(ctx, live)
		c.cancelRequestedKey = ""
		if status.RemainingQty.IsPositive() {
			c.replacePending = true
			c.replaceRemainder = status.RemainingQty
		} else {
			// the cancel raced a fill that completed the order
			live.State = ChildFilled
			c.tracker.Update(ctx, live)
			res := c.finish(OutcomeFilled, "", false, false)
			return &res
		}

	case broker.OrderPartiallyFilled:
		live.State = ChildPartiallyFilled
		c.tracker.Update(ctx, live)

	case broker.OrderNew:
		if live.State == ChildPlaced {
			live.State = ChildResting
			c.tracker.Update(ctx, live)
		}
	}
	return nil
}

// maybeRepeg evaluates the re-peg triggers against the current quote and
// issues at most one cancel. It is a no-op while a cancel or replacement
// for this child is already in flight.
func (c *Controller) maybeRepeg(ctx context.Context, live *ChildOrder, quote broker.Quote) {
	if c.cancelRequestedKey == live.Key || c.replacePending {
		return
	}

	intended, err := c.intendedPrice(live.Remaining, quote)
	if err != nil {
		return
	}

	now := time.Now()
	restingSince := live.CreatedAt
	if live.LastRepegAt.After(restingSince) {
		restingSince = live.LastRepegAt
	}
	priceGapTicks := live.LimitPrice.Sub(intended).Abs().Div(quote.Tick)
	tolerance := decimal.NewFromInt(int64(c.cfg.RepegDriftToleranceTicks))

	// a stall only justifies chasing when the intended price improves the
	// order for its side: higher for a BUY, lower for a SELL. A market
	// that moved away leaves the resting price at or past the intended
	// one, and a cancel/replace buys nothing.
	chaseTicks := intended.Sub(live.LimitPrice).Div(quote.Tick)
	if c.req.Side == broker.SideSell {
		chaseTicks = live.LimitPrice.Sub(intended).Div(quote.Tick)
	}

	drifted := priceGapTicks.GreaterThan(tolerance)
	stalledBetter := now.Sub(restingSince) > c.cfg.StallInterval &&
		chaseTicks.GreaterThanOrEqual(one)
	partialNearEnd := live.State == ChildPartiallyFilled &&
		now.Sub(c.lastFillAt) > c.cfg.StallInterval &&
		c.req.Deadline.Sub(now) < 2*c.cfg.StallInterval

	if !drifted && !stalledBetter && !partialNearEnd {
		return
	}

	c.logger.Info("re-peg triggered",
		zap.String("child_key", live.Key),
		zap.String("live_price", live.LimitPrice.String()),
		zap.String("intended_price", intended.String()),
		zap.Bool("drifted", drifted),
		zap.Bool("stalled", stalledBetter),
		zap.Bool("partial_near_end", partialNearEnd),
	)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
	err = broker.Classify("cancel_order", c.broker.CancelOrder(callCtx, live.OrderID))
	cancel()

	switch {
	case err == nil, errors.Is(err, broker.ErrOrderTerminal):
		// either way the next status poll is authoritative: it reports
		// canceled (replace the remainder) or filled (take the fill)
		c.cancelRequestedKey = live.Key
	case broker.IsRetryable(err):
		c.logger.Warn("cancel failed transiently, will re-evaluate next cycle", zap.Error(err))
	default:
		c.logger.Warn("cancel failed", zap.Error(err))
	}
}

// placeRemainder re-sizes and re-submits the remainder after a confirmed
// cancellation. A non-nil result is terminal.
func (c *Controller) placeRemainder(ctx context.Context) *Result {
	quote, err := c.freshQuote(ctx)
	if err != nil {
		return nil
	}

	decision := SizeRemainder(c.replaceRemainder, c.farTouch(quote), c.rules)
	if decision.Skip {
		c.logger.Info("remainder skipped at sizing", zap.String("reason", decision.Reason))
		res := c.finish(OutcomeSkipped, "", false, true)
		return &res
	}

	res, placed := c.submitLimit(ctx, decision.Quantity, quote)
	if placed {
		now := time.Now()
		child := c.tracker.Last()
		child.LastRepegAt = now
		c.tracker.Update(ctx, child)
		c.replacePending = false
		c.replaceRemainder = decimal.Zero
	}
	return res
}

// intendedPrice recomputes the price this controller would quote right
// now for the remaining quantity.
func (c *Controller) intendedPrice(remaining decimal.Decimal, quote broker.Quote) (decimal.Decimal, error) {
	aggression := Aggression(c.req.Side, remaining, quote)
	return LimitPrice(c.req.Side, quote, aggression)
}

// freshQuote fetches and validates the current top of book. Crossed or
// stale quotes are rejected; this subsystem never acts on a crossed book.
func (c *Controller) freshQuote(ctx context.Context) (broker.Quote, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
	defer cancel()

	quote, err := c.broker.GetQuote(callCtx, c.req.Symbol)
	if err != nil {
		return broker.Quote{}, broker.Classify("get_quote", err)
	}
	if err := quote.Validate(); err != nil {
		return broker.Quote{}, err
	}
	return quote, nil
}

func (c *Controller) orderStatus(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BrokerTimeout)
	defer cancel()
	status, err := c.broker.GetOrderStatus(callCtx, orderID)
	if err != nil {
		return broker.OrderStatus{}, broker.Classify("get_order_status", err)
	}
	return status, nil
}

// farTouch is the sizing reference price: the ask for BUY, the bid for SELL
func (c *Controller) farTouch(q broker.Quote) decimal.Decimal {
	if c.req.Side == broker.SideSell {
		return q.Bid
	}
	return q.Ask
}

// sleepOrTerminal waits one poll interval. It returns a terminal result
// when the deadline passes or the context is canceled while waiting.
func (c *Controller) sleepOrTerminal(ctx context.Context, deadlineReason string) *Result {
	select {
	case <-ctx.Done():
		res := c.abort()
		return &res
	case <-time.After(c.cfg.PollInterval):
	}
	if !time.Now().Before(c.req.Deadline) {
		res := c.finish(OutcomeRejected, deadlineReason, false, false)
		return &res
	}
	return nil
}

// abort handles an external cancellation: best-effort cancel of the live
// child order, then terminal without escalation. The parent context is
// already canceled, so the cancel uses its own bounded context.
func (c *Controller) abort() Result {
	if live := c.tracker.Live(); live != nil {
		callCtx, cancel := context.WithTimeout(context.Background(), c.cfg.BrokerTimeout)
		if err := c.broker.CancelOrder(callCtx, live.OrderID); err != nil && !errors.Is(err, broker.ErrOrderTerminal) {
			c.logger.Warn("best-effort cancel on abort failed", zap.Error(err))
		}
		if status, err := c.broker.GetOrderStatus(callCtx, live.OrderID); err == nil {
			live.Filled = status.FilledQty
			live.Remaining = status.RemainingQty
			live.AvgFillPrice = status.AvgFillPrice
		}
		live.State = ChildCanceled
		cancel()
		c.tracker.Update(context.Background(), live)
	}
	c.logger.Info("execution request aborted")
	return c.finish(OutcomeAborted, "externally canceled", false, false)
}

// finish assembles the terminal result from the tracker state
func (c *Controller) finish(outcome Outcome, failureReason string, escalated, withoutEscalation bool) Result {
	return Result{
		CorrelationID:              c.req.CorrelationID,
		Symbol:                     c.req.Symbol,
		Side:                       c.req.Side,
		RequestedNotional:          c.req.TargetNotional,
		FilledQuantity:             c.tracker.TotalFilled(),
		AvgFillPrice:               c.tracker.AvgFillPrice(),
		ChildOrderCount:            c.tracker.Count(),
		Escalated:                  escalated,
		CompletedWithoutEscalation: withoutEscalation,
		Outcome:                    outcome,
		FailureReason:              failureReason,
	}
}
