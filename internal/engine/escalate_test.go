package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/broker"
)

func TestController_EscalatesUnfilledAtDeadline(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	// nobody ever fills the passive order; at the deadline the full
	// quantity sweeps the ask
	res := waitResult(t, runController(context.Background(), sim, buyRequest("500", 150*time.Millisecond)))

	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.True(t, res.Escalated)
	assert.False(t, res.CompletedWithoutEscalation)
	assert.Equal(t, 2, res.ChildOrderCount)
	assert.True(t, res.FilledQuantity.Equal(dec("500").Div(dec("10.10"))), "got %s", res.FilledQuantity)
	assert.True(t, res.AvgFillPrice.Equal(dec("10.10")), "market sweep fills at the ask, got %s", res.AvgFillPrice)
	assert.Equal(t, 1, sim.CallCount("place_market_order"))
}

func TestController_EscalationSkipsMeaninglessRemainder(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("2.50", "2.52", "500", "500", "0.01"))

	// $5.04 at a 2.52 ask sizes to 2 shares
	ch := runController(context.Background(), sim, buyRequest("5.04", 250*time.Millisecond))

	orderID := waitForOpenOrder(t, sim)
	price, err := sim.LimitPrice(orderID)
	require.NoError(t, err)
	require.NoError(t, sim.Fill(orderID, dec("1.7"), price))

	// remainder of 0.3 shares is worth well under the $1 minimum: the
	// deadline must complete the request without a market order
	res := waitResult(t, ch)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.True(t, res.CompletedWithoutEscalation)
	assert.False(t, res.Escalated)
	assert.Equal(t, 1, res.ChildOrderCount)
	assert.True(t, res.FilledQuantity.Equal(dec("1.7")), "got %s", res.FilledQuantity)
	assert.Equal(t, 0, sim.CallCount("place_market_order"))
}

func TestController_EscalationSweepsWholeShareRemainder(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))
	sim.SetAssetRules("AAPL", broker.AssetRules{Fractionable: false, MinFractionalNotional: dec("1")})

	// $50.50 at a 10.10 ask sizes to 5 whole shares
	ch := runController(context.Background(), sim, buyRequest("50.50", 250*time.Millisecond))

	orderID := waitForOpenOrder(t, sim)
	price, err := sim.LimitPrice(orderID)
	require.NoError(t, err)
	require.NoError(t, sim.Fill(orderID, dec("3"), price))

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.True(t, res.Escalated)
	assert.Equal(t, 2, res.ChildOrderCount)
	assert.True(t, res.FilledQuantity.Equal(dec("5")), "got %s", res.FilledQuantity)
}

func TestController_EscalationMarketRejectionIsReported(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))
	sim.RejectNext("place_market_order", "symbol halted")

	res := waitResult(t, runController(context.Background(), sim, buyRequest("500", 150*time.Millisecond)))

	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.FailureReason, "symbol halted")
}

func TestController_RefusesToSweepUnconfirmedCancel(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))

	ch := runController(context.Background(), sim, buyRequest("500", 300*time.Millisecond))

	waitForOpenOrder(t, sim)
	// the broker goes dark: the pre-escalation cancel errors and no
	// status poll ever confirms what happened to the order
	sim.FailNext("cancel_order", 1)
	sim.FailNext("get_order_status", 1000)

	res := waitResult(t, ch)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Contains(t, res.FailureReason, "unconfirmed")
	assert.False(t, res.Escalated)
	assert.Equal(t, 0, sim.CallCount("place_market_order"),
		"a market order on top of an order in an unknown state can overfill")
	assert.Equal(t, 1, sim.OpenOrders(), "the original limit order is still live at the broker")
}

func TestController_EscalationRetriesTransientPlacement(t *testing.T) {
	sim := broker.NewSim(zap.NewNop())
	sim.SetQuote(quote("10.00", "10.10", "500", "500", "0.01"))
	sim.FailNext("place_market_order", 2)

	res := waitResult(t, runController(context.Background(), sim, buyRequest("500", 150*time.Millisecond)))

	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Equal(t, 3, sim.CallCount("place_market_order"))
}
