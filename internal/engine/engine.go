package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/broker"
)

// ResultSink receives exactly one terminal result per request. The store
// implementation writes it to the outbox, from where it is published.
type ResultSink interface {
	SaveResult(ctx context.Context, res Result) error
}

// Engine runs one control-loop worker per execution request, bounded by
// a worker-pool semaphore sized to the broker's rate limits. Requests for
// different symbols run concurrently; within one request execution is
// single-threaded by construction.
type Engine struct {
	broker  broker.Broker
	journal Journal
	sink    ResultSink
	logger  *zap.Logger
	cfg     Config
	window  time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a worker pool over the given broker. journal and
// sink may be nil in tests.
func NewEngine(b broker.Broker, journal Journal, sink ResultSink, cfg Config, window time.Duration, maxConcurrent int, logger *zap.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &Engine{
		broker:  b,
		journal: journal,
		sink:    sink,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		window:  window,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Submit starts a worker for the request, blocking until a pool slot is
// free. A request without a deadline gets the configured execution
// window from now.
func (e *Engine) Submit(ctx context.Context, req Request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e.sem <- struct{}{}:
	}

	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(e.window)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		e.run(ctx, req)
	}()
	return nil
}

func (e *Engine) run(ctx context.Context, req Request) {
	controller := NewController(e.broker, req, e.cfg, e.journal, e.logger)
	res := controller.Run(ctx)

	e.logger.Info("execution request terminal",
		zap.String("correlation_id", res.CorrelationID),
		zap.String("symbol", res.Symbol),
		zap.String("outcome", string(res.Outcome)),
		zap.String("filled_quantity", res.FilledQuantity.String()),
		zap.Int("child_order_count", res.ChildOrderCount),
		zap.Bool("escalated", res.Escalated),
	)

	if e.sink == nil {
		return
	}
	// the sink write must eventually succeed or the result is lost; the
	// save itself is idempotent on correlation id, so retrying is safe
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		err := e.sink.SaveResult(saveCtx, res)
		if err == nil {
			return
		}
		e.logger.Error("failed to save terminal result, retrying",
			zap.String("correlation_id", res.CorrelationID),
			zap.Error(err),
		)
		select {
		case <-saveCtx.Done():
			e.logger.Error("giving up saving terminal result",
				zap.String("correlation_id", res.CorrelationID),
			)
			return
		case <-time.After(time.Second):
		}
	}
}

// Wait blocks until all in-flight workers have finished
func (e *Engine) Wait() {
	e.wg.Wait()
}
