package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds configuration for the execution engine service
type Config struct {
	// Service name
	ServiceName string

	// gRPC health port
	GRPCPort int

	// HTTP health port
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Kafka brokers (comma-separated)
	KafkaBrokers string

	// Directory for the sqlite journal
	DataDir string

	// Minimum dollar value below which a fractional order is skipped
	MinFractionalNotionalUSD decimal.Decimal

	// Length of the passive working window before escalation
	ExecutionWindow time.Duration

	// Cadence of the status/quote poll loop
	PollInterval time.Duration

	// How far (in ticks) the live price may drift from the intended
	// price before a re-peg is triggered
	RepegDriftToleranceTicks int

	// How long an order may sit unfilled before a re-peg is considered
	StallInterval time.Duration

	// Upper bound on concurrently worked execution requests
	MaxConcurrentExecutions int
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig(serviceName string) *Config {
	return &Config{
		ServiceName:              serviceName,
		GRPCPort:                 getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:                 getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:                 getEnvAsString("LOG_LEVEL", "info"),
		KafkaBrokers:             getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		DataDir:                  getEnvAsString("DATA_DIR", "./data"),
		MinFractionalNotionalUSD: getEnvAsDecimal("MIN_FRACTIONAL_NOTIONAL_USD", decimal.NewFromInt(1)),
		ExecutionWindow:          getEnvAsDurationSeconds("EXECUTION_WINDOW_SECONDS", 120*time.Second),
		PollInterval:             getEnvAsDurationMillis("POLL_INTERVAL_MS", 1000*time.Millisecond),
		RepegDriftToleranceTicks: getEnvAsInt("REPEG_DRIFT_TOLERANCE_TICKS", 2),
		StallInterval:            getEnvAsDurationMillis("STALL_INTERVAL_MS", 10*time.Second),
		MaxConcurrentExecutions:  getEnvAsInt("MAX_CONCURRENT_EXECUTIONS", 8),
	}
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsDurationSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsDurationMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Millisecond))
		}
	}
	return defaultValue
}
