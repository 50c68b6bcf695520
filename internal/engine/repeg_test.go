package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/broker"
)

func testCfg() Config {
	return Config{
		PollInterval:             5 * time.Millisecond,
		RepegDriftToleranceTicks: 2,
		StallInterval:            40 * time.Millisecond,
		MinFractionalNotional:    dec("1"),
		BrokerTimeout:            time.Second,
	}
}

func buyRequest(notional string, deadline time.Duration) Request {
	return Request{
		Symbol:         "AAPL",
		Side:           broker.SideBuy,
		TargetNotional: dec(notional),
		CorrelationID:  "rebal-test",
		Deadline:       time.Now().Add(deadline),
	}
}

func runController(ctx context.Context, sim *broker.Sim, req Request) <-chan Result {
	c := NewController(sim, req, testCfg(), nil, zap.NewNop())
	ch := make(chan Result, 1)
	go func() { ch <- c.Run(ctx) }()
	return ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not reach a terminal state in time")
		return Result{}
	}
}

func waitForOpenOrder(t *testing.T, sim *broker.Sim) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		ids := sim.OpenOrderIDs()
		if len(ids) != 1 {
			return false
		}
		id = ids[0]
		return true
	}, 2*time.Second, 2*time.Millisecond, "expected exactly one open order")
	return id
}

func TestController_FillsPassively(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	ch := runController(context.Background(), sim, buyRequest("500", 2*time.Second))

	orderID := waitForOpenOrder(t, sim)

	// small order: expect one tick inside the ask
	price, err := sim.LimitPrice(orderID)
	require.NoError(t, err)
	assert.True(t, price.Equal(dec("10.09")), "got %s", price)

	require.NoError(t, sim.Fill(orderID, dec("1000"), price))

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 1, res.ChildOrderCount)
	assert.False(t, res.Escalated)
	assert.False(t, res.CompletedWithoutEscalation)
	assert.True(t, res.FilledQuantity.Equal(dec("500").Div(dec("10.10"))), "got %s", res.FilledQuantity)
	assert.True(t, res.AvgFillPrice.Equal(dec("10.09")))
}

func TestController_RepegsOnDrift(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	ch := runController(context.Background(), sim, buyRequest("500", 5*time.Second))

	first := waitForOpenOrder(t, sim)
	firstPrice, err := sim.LimitPrice(first)
	require.NoError(t, err)

	// move the market five ticks: beyond the two-tick tolerance
	sim.SetQuote(quote("10.05", "10.15", "500", "500", "0.01"))

	var second string
	require.Eventually(t, func() bool {
		ids := sim.OpenOrderIDs()
		if len(ids) != 1 || ids[0] == first {
			return false
		}
		second = ids[0]
		return true
	}, 2*time.Second, 2*time.Millisecond, "expected a replacement order")

	secondPrice, err := sim.LimitPrice(second)
	require.NoError(t, err)
	assert.True(t, secondPrice.GreaterThan(firstPrice), "replacement should chase the market")
	assert.True(t, secondPrice.Equal(dec("10.14")), "got %s", secondPrice)

	require.NoError(t, sim.Fill(second, dec("1000"), secondPrice))

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 2, res.ChildOrderCount)
	assert.GreaterOrEqual(t, sim.CallCount("cancel_order"), 1)
}

func TestController_RepegAfterPartialFillReplacesTrueRemainder(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	ch := runController(context.Background(), sim, buyRequest("500", 5*time.Second))

	first := waitForOpenOrder(t, sim)
	price, err := sim.LimitPrice(first)
	require.NoError(t, err)
	require.NoError(t, sim.Fill(first, dec("20"), price))

	// drift beyond tolerance forces a cancel/replace of the remainder
	sim.SetQuote(quote("10.05", "10.15", "500", "500", "0.01"))

	fullQty := dec("500").Div(dec("10.10"))
	remainder := fullQty.Sub(dec("20"))

	var second string
	require.Eventually(t, func() bool {
		ids := sim.OpenOrderIDs()
		if len(ids) != 1 || ids[0] == first {
			return false
		}
		second = ids[0]
		return true
	}, 2*time.Second, 2*time.Millisecond, "expected a replacement order")

	status, err := sim.GetOrderStatus(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, status.RemainingQty.Equal(remainder),
		"replacement must be sized to the unfilled remainder, got %s", status.RemainingQty)

	secondPrice, err := sim.LimitPrice(second)
	require.NoError(t, err)
	require.NoError(t, sim.Fill(second, dec("1000"), secondPrice))

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.Equal(t, 2, res.ChildOrderCount)
	assert.True(t, res.FilledQuantity.Equal(fullQty), "got %s", res.FilledQuantity)
}

func TestController_CancelRacingFillTakesTheFill(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	req := buyRequest("500", time.Minute)
	c := NewController(sim, req, testCfg(), nil, zap.NewNop())
	ctx := context.Background()

	child := newChild("49.5")
	require.NoError(t, c.tracker.Append(ctx, child))

	// the cancel came back "already filled"; the authoritative status
	// poll reports a complete fill and no replacement must be placed
	res := c.applyStatus(ctx, child, broker.OrderStatus{
		OrderID:      child.OrderID,
		State:        broker.OrderFilled,
		FilledQty:    dec("49.5"),
		RemainingQty: decimal.Zero,
		AvgFillPrice: dec("10.09"),
	})
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.False(t, c.replacePending)
}

func TestController_CancelConfirmedWithEverythingFilled(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	req := buyRequest("500", time.Minute)
	c := NewController(sim, req, testCfg(), nil, zap.NewNop())
	ctx := context.Background()

	child := newChild("49.5")
	require.NoError(t, c.tracker.Append(ctx, child))

	// broker reports CANCELED but the fill counts say nothing remains
	res := c.applyStatus(ctx, child, broker.OrderStatus{
		OrderID:      child.OrderID,
		State:        broker.OrderCanceled,
		FilledQty:    dec("49.5"),
		RemainingQty: decimal.Zero,
		AvgFillPrice: dec("10.09"),
	})
	require.NotNil(t, res)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.False(t, c.replacePending)
}

func TestController_RepegTriggerIsIdempotent(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	q := quote("10.05", "10.15", "500", "500", "0.01")
	sim.SetQuote(q)
	req := buyRequest("500", time.Minute)
	c := NewController(sim, req, testCfg(), nil, zap.NewNop())
	c.rules = broker.AssetRules{Fractionable: true, MinFractionalNotional: dec("1")}
	ctx := context.Background()

	orderID, err := sim.PlaceLimitOrder(ctx, "AAPL", broker.SideBuy, dec("49.5"), dec("10.00"))
	require.NoError(t, err)

	child := &ChildOrder{
		OrderID:    orderID,
		Symbol:     "AAPL",
		Side:       broker.SideBuy,
		LimitPrice: dec("10.00"), // five ticks behind the intended price
		Quantity:   dec("49.5"),
		Filled:     decimal.Zero,
		Remaining:  dec("49.5"),
		State:      ChildResting,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, c.tracker.Append(ctx, child))

	c.maybeRepeg(ctx, child, q)
	c.maybeRepeg(ctx, child, q)

	assert.Equal(t, 1, sim.CallCount("cancel_order"), "duplicate trigger must be a no-op")
}

func TestController_StallRepegOnlyChasesImprovingPrices(t *testing.T) {
	ctx := context.Background()

	newStalled := func(sim *broker.Sim) (*Controller, *ChildOrder) {
		req := buyRequest("500", time.Minute)
		c := NewController(sim, req, testCfg(), nil, zap.NewNop())
		c.rules = broker.AssetRules{Fractionable: true, MinFractionalNotional: dec("1")}

		orderID, err := sim.PlaceLimitOrder(ctx, "AAPL", broker.SideBuy, dec("49.5"), dec("10.09"))
		require.NoError(t, err)
		child := &ChildOrder{
			OrderID:    orderID,
			Symbol:     "AAPL",
			Side:       broker.SideBuy,
			LimitPrice: dec("10.09"),
			Quantity:   dec("49.5"),
			Filled:     decimal.Zero,
			Remaining:  dec("49.5"),
			State:      ChildResting,
			CreatedAt:  time.Now().Add(-time.Second), // stalled well past StallInterval
		}
		require.NoError(t, c.tracker.Append(ctx, child))
		return c, child
	}

	// market ticked up within drift tolerance: the intended bid is now
	// above the resting one, chase it
	sim := broker.NewSim(zap.NewNop())
	c, child := newStalled(sim)
	c.maybeRepeg(ctx, child, quote("10.01", "10.11", "500", "500", "0.01"))
	assert.Equal(t, 1, sim.CallCount("cancel_order"))

	// market moved away: the resting bid already sits past the intended
	// price and must be left alone
	sim = broker.NewSim(zap.NewNop())
	c, child = newStalled(sim)
	c.maybeRepeg(ctx, child, quote("9.98", "10.08", "500", "500", "0.01"))
	assert.Equal(t, 0, sim.CallCount("cancel_order"))
}

func TestController_SkipsBelowMinNotional(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	// $0.50 against a $1 minimum: no order, complete by design
	res := waitResult(t, runController(context.Background(), sim, buyRequest("0.50", 2*time.Second)))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.True(t, res.CompletedWithoutEscalation)
	assert.False(t, res.Escalated)
	assert.Equal(t, 0, res.ChildOrderCount)
	assert.Equal(t, 0, sim.OpenOrders())
}

func TestController_BrokerRejectionIsTerminal(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))
	sim.RejectNext("place_limit_order", "trading halted")

	res := waitResult(t, runController(context.Background(), sim, buyRequest("500", 2*time.Second)))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Contains(t, res.FailureReason, "trading halted")
	assert.Equal(t, 0, res.ChildOrderCount)
}

func TestController_RetriesTransientQuoteFailures(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))
	sim.FailNext("get_quote", 2)

	ch := runController(context.Background(), sim, buyRequest("500", 2*time.Second))

	orderID := waitForOpenOrder(t, sim)
	price, err := sim.LimitPrice(orderID)
	require.NoError(t, err)
	require.NoError(t, sim.Fill(orderID, dec("1000"), price))

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.GreaterOrEqual(t, sim.CallCount("get_quote"), 3)
}

func TestController_NeverActsOnCrossedQuote(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.12", "10.10", "500", "500", "0.01"))

	ch := runController(context.Background(), sim, buyRequest("500", 300*time.Millisecond))

	// the book stays crossed for the whole window: no order may ever
	// reach the broker
	res := waitResult(t, ch)
	assert.Equal(t, 0, sim.CallCount("place_limit_order"))
	assert.Equal(t, 0, sim.CallCount("place_market_order"))
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 0, res.ChildOrderCount)
}

func TestController_ExternalAbortCancelsLiveOrder(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	ctx, cancel := context.WithCancel(context.Background())
	ch := runController(ctx, sim, buyRequest("500", time.Minute))

	waitForOpenOrder(t, sim)
	cancel()

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.False(t, res.Escalated)
	assert.Equal(t, 0, sim.OpenOrders(), "live order must be canceled on abort")
}
