package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/chaos"
)

// Sim is an in-memory broker used for dry runs and tests. Quotes are set
// externally; limit orders rest until filled through Fill, market orders
// fill immediately at the far touch. An optional chaos injector turns
// calls into transient failures to exercise the engine's retry paths.
type Sim struct {
	mu     sync.Mutex
	logger *zap.Logger
	chaos  *chaos.Chaos

	quotes map[string]Quote
	rules  map[string]AssetRules
	orders map[string]*simOrder

	failNext   map[string]int
	rejectNext map[string]string
	calls      map[string]int
}

type simOrder struct {
	status OrderStatus
	symbol string
	side   Side
	limit  decimal.Decimal
	market bool
	// notional filled so far, for the average fill price
	filledNotional decimal.Decimal
}

// NewSim creates an empty simulated broker
func NewSim(logger *zap.Logger) *Sim {
	return &Sim{
		logger:     logger,
		quotes:     make(map[string]Quote),
		rules:      make(map[string]AssetRules),
		orders:     make(map[string]*simOrder),
		failNext:   make(map[string]int),
		rejectNext: make(map[string]string),
		calls:      make(map[string]int),
	}
}

// WithChaos attaches a fault injector consulted before every call
func (s *Sim) WithChaos(c *chaos.Chaos) *Sim {
	s.chaos = c
	return s
}

// SetQuote publishes the current top of book for a symbol
func (s *Sim) SetQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

// SetAssetRules publishes trading rules for a symbol
func (s *Sim) SetAssetRules(symbol string, rules AssetRules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[symbol] = rules
}

// FailNext makes the next n calls of op fail with a RetryableError
func (s *Sim) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = n
}

// RejectNext makes the next call of op fail with a RejectedError
func (s *Sim) RejectNext(op, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext[op] = reason
}

func (s *Sim) intercept(ctx context.Context, op string) error {
	if s.chaos != nil {
		if err := s.chaos.MaybeDelay(ctx, op); err != nil {
			return err
		}
		if s.chaos.MaybeDrop(op) {
			return &RetryableError{Op: op, Err: errors.New("injected drop")}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if n := s.failNext[op]; n > 0 {
		s.failNext[op] = n - 1
		return &RetryableError{Op: op, Err: errors.New("injected transient failure")}
	}
	if reason, ok := s.rejectNext[op]; ok {
		delete(s.rejectNext, op)
		return &RejectedError{Op: op, Reason: reason}
	}
	return nil
}

func (s *Sim) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := s.intercept(ctx, "get_quote"); err != nil {
		return Quote{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, &RetryableError{Op: "get_quote", Err: fmt.Errorf("no quote for %s", symbol)}
	}
	return q, nil
}

func (s *Sim) PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty, limitPrice decimal.Decimal) (string, error) {
	if err := s.intercept(ctx, "place_limit_order"); err != nil {
		return "", err
	}
	if !qty.IsPositive() {
		return "", &RejectedError{Op: "place_limit_order", Reason: "quantity must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.orders[id] = &simOrder{
		status: OrderStatus{
			OrderID:      id,
			State:        OrderNew,
			FilledQty:    decimal.Zero,
			RemainingQty: qty,
		},
		symbol: symbol,
		side:   side,
		limit:  limitPrice,
	}
	return id, nil
}

func (s *Sim) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (string, error) {
	if err := s.intercept(ctx, "place_market_order"); err != nil {
		return "", err
	}
	if !qty.IsPositive() {
		return "", &RejectedError{Op: "place_market_order", Reason: "quantity must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return "", &RetryableError{Op: "place_market_order", Err: fmt.Errorf("no quote for %s", symbol)}
	}

	// A market order sweeps the far touch
	price := q.Ask
	if side == SideSell {
		price = q.Bid
	}

	id := uuid.New().String()
	s.orders[id] = &simOrder{
		status: OrderStatus{
			OrderID:      id,
			State:        OrderFilled,
			FilledQty:    qty,
			RemainingQty: decimal.Zero,
			AvgFillPrice: price,
		},
		symbol:         symbol,
		side:           side,
		market:         true,
		filledNotional: qty.Mul(price),
	}
	return id, nil
}

func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.intercept(ctx, "cancel_order"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if o.status.State.Terminal() {
		return ErrOrderTerminal
	}
	o.status.State = OrderCanceled
	return nil
}

func (s *Sim) GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if err := s.intercept(ctx, "get_order_status"); err != nil {
		return OrderStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, ErrUnknownOrder
	}
	return o.status, nil
}

func (s *Sim) GetAssetRules(ctx context.Context, symbol string) (AssetRules, error) {
	if err := s.intercept(ctx, "get_asset_rules"); err != nil {
		return AssetRules{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rules, ok := s.rules[symbol]; ok {
		return rules, nil
	}
	return AssetRules{Fractionable: true, MinFractionalNotional: decimal.NewFromInt(1)}, nil
}

// Fill applies qty at price against a resting order. Canceled and rejected
// orders take no fills; overfills are capped at the remaining quantity.
func (s *Sim) Fill(orderID string, qty, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if o.status.State.Terminal() {
		return ErrOrderTerminal
	}

	if qty.GreaterThan(o.status.RemainingQty) {
		qty = o.status.RemainingQty
	}

	o.status.FilledQty = o.status.FilledQty.Add(qty)
	o.status.RemainingQty = o.status.RemainingQty.Sub(qty)
	o.filledNotional = o.filledNotional.Add(qty.Mul(price))
	o.status.AvgFillPrice = o.filledNotional.Div(o.status.FilledQty)

	if o.status.RemainingQty.IsZero() {
		o.status.State = OrderFilled
	} else {
		o.status.State = OrderPartiallyFilled
	}
	return nil
}

// LimitPrice reports the resting limit price of an order, for assertions
func (s *Sim) LimitPrice(orderID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return decimal.Decimal{}, ErrUnknownOrder
	}
	return o.limit, nil
}

// CallCount reports how many times op reached the simulated broker
func (s *Sim) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// OpenOrderIDs returns the IDs of all currently non-terminal orders
func (s *Sim) OpenOrderIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, o := range s.orders {
		if !o.status.State.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// OpenOrders reports how many orders are currently non-terminal
func (s *Sim) OpenOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if !o.status.State.Terminal() {
			n++
		}
	}
	return n
}
