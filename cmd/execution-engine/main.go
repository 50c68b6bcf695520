package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/oakline/execution-engine/internal/broker"
	"github.com/oakline/execution-engine/internal/chaos"
	"github.com/oakline/execution-engine/internal/config"
	"github.com/oakline/execution-engine/internal/engine"
	"github.com/oakline/execution-engine/internal/events"
	"github.com/oakline/execution-engine/internal/logging"
	"github.com/oakline/execution-engine/internal/observability"
	"github.com/oakline/execution-engine/internal/store"
)

func main() {
	cfg := config.LoadConfig("execution-engine")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting execution-engine service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("execution_window", cfg.ExecutionWindow),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open the execution journal (request dedupe, child-order audit log,
	// result outbox)
	dbPath := filepath.Join(cfg.DataDir, "executions.db")
	journal, err := store.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open execution journal", zap.Error(err))
	}
	defer journal.Close()

	logger.Info("execution journal opened", zap.String("path", dbPath))

	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetStoreReady(true)

	kafkaCfg := events.LoadConfig()
	producer, err := events.NewProducer(kafkaCfg, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	publisher := store.NewPublisher(journal, producer, logger)

	consumer, err := events.NewConsumer(kafkaCfg, "execution-engine-v1", []string{events.TopicRebalanceInstructions}, logger)
	if err != nil {
		logger.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// The broker collaborator. Real connectivity adapters implement
	// broker.Broker; the built-in simulated broker (with optional chaos
	// fault injection) backs dry runs.
	execBroker := broker.NewSim(logger).WithChaos(chaos.New(chaos.LoadConfig(), logger))

	engineCfg := engine.Config{
		PollInterval:             cfg.PollInterval,
		RepegDriftToleranceTicks: cfg.RepegDriftToleranceTicks,
		StallInterval:            cfg.StallInterval,
		MinFractionalNotional:    cfg.MinFractionalNotionalUSD,
	}
	pool := engine.NewEngine(execBroker, journal, journal, engineCfg, cfg.ExecutionWindow, cfg.MaxConcurrentExecutions, logger)

	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerErrCh := make(chan error, 1)
	go func() {
		err := consumer.Run(runCtx, func(ctx context.Context, rec events.Record) error {
			var instr events.RebalanceInstructionMsg
			if err := json.Unmarshal(rec.Value, &instr); err != nil {
				return fmt.Errorf("failed to unmarshal rebalance instruction: %w", err)
			}

			req, err := requestFromInstruction(instr)
			if err != nil {
				// malformed instructions are logged and committed, not
				// retried: replays cannot make them valid
				logger.Error("discarding malformed instruction",
					zap.String("correlation_id", instr.CorrelationID),
					zap.Error(err),
				)
				return nil
			}

			duplicate, err := journal.BeginRequest(ctx, instr.CorrelationID, instr.EventID)
			if err != nil {
				return fmt.Errorf("failed to register request: %w", err)
			}
			if duplicate {
				logger.Info("duplicate instruction, skipping",
					zap.String("correlation_id", instr.CorrelationID),
					zap.String("event_id", instr.EventID),
				)
				return nil
			}

			logger.Info("accepted rebalance instruction",
				zap.String("correlation_id", instr.CorrelationID),
				zap.String("symbol", instr.Symbol),
				zap.String("side", instr.Side),
				zap.String("target_notional_usd", instr.TargetNotionalUSD),
				zap.String("kafka_topic", rec.Topic),
				zap.Int32("kafka_partition", rec.Partition),
				zap.Int64("kafka_offset", rec.Offset),
			)
			return pool.Submit(ctx, req)
		})
		if err != nil {
			consumerErrCh <- err
		}
	}()

	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(runCtx); err != nil {
			publisherErrCh <- err
		}
	}()

	// Wait for the consumer to start
	time.Sleep(1 * time.Second)
	if consumer.IsRunning() {
		healthChecker.SetKafkaReady(true)
	} else {
		logger.Warn("consumer not running yet")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-consumerErrCh:
		logger.Error("consumer error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("publisher error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")

	// Interrupt workers: each cancels its live order and reports terminal
	// without escalation
	cancel()
	pool.Wait()

	consumer.Close()
	producer.Close()
	journal.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	grpcServer.GracefulStop()

	logger.Info("execution-engine service stopped")
}

// requestFromInstruction validates and converts a wire instruction
func requestFromInstruction(instr events.RebalanceInstructionMsg) (engine.Request, error) {
	if instr.CorrelationID == "" {
		return engine.Request{}, fmt.Errorf("correlation_id cannot be empty")
	}
	if instr.Symbol == "" {
		return engine.Request{}, fmt.Errorf("symbol cannot be empty")
	}

	side := broker.Side(instr.Side)
	if side != broker.SideBuy && side != broker.SideSell {
		return engine.Request{}, fmt.Errorf("side must be BUY or SELL, got %q", instr.Side)
	}

	notional, err := decimal.NewFromString(instr.TargetNotionalUSD)
	if err != nil {
		return engine.Request{}, fmt.Errorf("invalid target_notional_usd: %w", err)
	}
	if !notional.IsPositive() {
		return engine.Request{}, fmt.Errorf("target_notional_usd must be positive")
	}

	held := decimal.Zero
	if instr.HeldPosition != "" {
		held, err = decimal.NewFromString(instr.HeldPosition)
		if err != nil {
			return engine.Request{}, fmt.Errorf("invalid held_position: %w", err)
		}
	}
	if side == broker.SideSell && !held.IsPositive() {
		return engine.Request{}, fmt.Errorf("sell instruction without held position")
	}

	return engine.Request{
		Symbol:         instr.Symbol,
		Side:           side,
		TargetNotional: notional,
		HeldPosition:   held,
		CorrelationID:  instr.CorrelationID,
	}, nil
}
