package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oakline/execution-engine/internal/events"
	"github.com/oakline/execution-engine/internal/logging"
)

// A small CLI that publishes synthetic rebalance instructions, with an
// optional duplicate percentage to exercise the engine's replay dedupe.
func main() {
	var (
		count   = flag.Int("count", 20, "Number of instructions to produce")
		dupPct  = flag.Int("dup-pct", 0, "Percentage of duplicates (0-100)")
		seed    = flag.Int64("seed", 42, "Random seed for deterministic generation")
		brokers = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		symbol  = flag.String("symbol", "AAPL", "Symbol to rebalance")
	)
	flag.Parse()

	logger, err := logging.NewLogger("instruction-producer", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := parseBrokers(*brokers)
	logger.Info("starting instruction producer",
		zap.Int("count", *count),
		zap.Int("dup_pct", *dupPct),
		zap.Int64("seed", *seed),
		zap.Strings("brokers", brokerList),
		zap.String("symbol", *symbol),
	)

	producer, err := events.NewProducer(&events.Config{
		Brokers:  brokerList,
		ClientID: "instruction-producer",
	}, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	rng := rand.New(rand.NewSource(*seed))

	var correlationIDs []string
	produced := 0
	failed := 0
	ctx := context.Background()

	for i := 0; i < *count; i++ {
		isDup := len(correlationIDs) > 0 && rng.Intn(100) < *dupPct

		var correlationID string
		if isDup {
			correlationID = correlationIDs[rng.Intn(len(correlationIDs))]
		} else {
			correlationID = fmt.Sprintf("rebal-%d-%d", *seed, len(correlationIDs))
			correlationIDs = append(correlationIDs, correlationID)
		}

		side := "BUY"
		held := ""
		if rng.Intn(2) == 1 {
			side = "SELL"
			held = "100"
		}

		notional := decimal.NewFromInt(int64(500 + rng.Intn(9500)))

		instr := events.RebalanceInstructionMsg{
			EventID:           uuid.New().String(),
			CorrelationID:     correlationID,
			Symbol:            *symbol,
			Side:              side,
			TargetNotionalUSD: notional.String(),
			HeldPosition:      held,
			TsUnixMillis:      time.Now().UnixMilli(),
		}

		if err := producer.ProduceJSON(ctx, events.TopicRebalanceInstructions, correlationID, instr); err != nil {
			logger.Error("failed to produce instruction",
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			failed++
			continue
		}
		produced++
	}

	logger.Info("instruction producer finished",
		zap.Int("produced", produced),
		zap.Int("failed", failed),
		zap.Int("unique", len(correlationIDs)),
	)
}

func parseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
