package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oakline/execution-engine/internal/engine"
	"github.com/oakline/execution-engine/internal/events"
)

// Store is the sqlite journal behind one engine instance: it dedupes
// replayed instructions, keeps the append-only child-order audit log,
// and holds the result outbox that guarantees exactly-once publication
// of terminal results.
type Store struct {
	db *sql.DB
}

// OutboxEvent represents a terminal result waiting to be published
type OutboxEvent struct {
	ID                  int64
	CorrelationID       string
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// Open creates or opens the journal at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the necessary tables
func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS processed_requests (
			correlation_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			first_seen_unix_millis INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS child_orders (
			child_key TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			market INTEGER NOT NULL,
			limit_price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			filled TEXT NOT NULL,
			remaining TEXT NOT NULL,
			avg_fill_price TEXT NOT NULL,
			state TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			last_repeg_unix_millis INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_child_orders_request
			ON child_orders(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL UNIQUE,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis INTEGER NOT NULL,
			published_unix_millis INTEGER NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// BeginRequest registers an incoming instruction. A replayed instruction
// with a correlation id already seen returns duplicate=true and must not
// start another worker.
func (s *Store) BeginRequest(ctx context.Context, correlationID, eventID string) (duplicate bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_requests (correlation_id, event_id, first_seen_unix_millis)
		 VALUES (?, ?, ?)
		 ON CONFLICT(correlation_id) DO NOTHING`,
		correlationID, eventID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to register request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 0, nil
}

// AppendChildOrder journals a newly created child order. The child key
// is deterministic, so a replayed append is a no-op.
func (s *Store) AppendChildOrder(ctx context.Context, correlationID string, o engine.ChildOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO child_orders
			(child_key, correlation_id, order_id, symbol, side, market, limit_price,
			 quantity, filled, remaining, avg_fill_price, state,
			 created_unix_millis, last_repeg_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(child_key) DO NOTHING`,
		o.Key, correlationID, o.OrderID, o.Symbol, string(o.Side), boolToInt(o.Market),
		o.LimitPrice.String(), o.Quantity.String(), o.Filled.String(),
		o.Remaining.String(), o.AvgFillPrice.String(), o.State.String(),
		o.CreatedAt.UnixMilli(), o.LastRepegAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to journal child order: %w", err)
	}
	return nil
}

// UpdateChildOrder journals the mutable fields of a child order
func (s *Store) UpdateChildOrder(ctx context.Context, correlationID string, o engine.ChildOrder) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE child_orders
		 SET filled = ?, remaining = ?, avg_fill_price = ?, state = ?, last_repeg_unix_millis = ?
		 WHERE child_key = ? AND correlation_id = ?`,
		o.Filled.String(), o.Remaining.String(), o.AvgFillPrice.String(),
		o.State.String(), o.LastRepegAt.UnixMilli(), o.Key, correlationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update child order: %w", err)
	}
	return nil
}

// SaveResult writes the terminal result for a request into the outbox.
// The outbox row is keyed by correlation id, so a retried save cannot
// produce a second event: each request is published exactly once.
func (s *Store) SaveResult(ctx context.Context, res engine.Result) error {
	eventID := "res-" + res.CorrelationID
	msg := events.ExecutionResultMsg{
		EventID:                    eventID,
		CorrelationID:              res.CorrelationID,
		Symbol:                     res.Symbol,
		Side:                       string(res.Side),
		RequestedNotionalUSD:       res.RequestedNotional.String(),
		FilledQuantity:             res.FilledQuantity.String(),
		AvgFillPrice:               res.AvgFillPrice.String(),
		ChildOrderCount:            res.ChildOrderCount,
		Escalated:                  res.Escalated,
		CompletedWithoutEscalation: res.CompletedWithoutEscalation,
		Outcome:                    string(res.Outcome),
		FailureReason:              res.FailureReason,
		TsUnixMillis:               time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal result event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox_events
			(correlation_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT(correlation_id) DO NOTHING`,
		res.CorrelationID, eventID, events.TopicExecutionResults,
		res.CorrelationID, string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ListUnpublished returns unpublished outbox events
func (s *Store) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY created_unix_millis ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		err := rows.Scan(
			&e.ID, &e.CorrelationID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

// MarkPublished marks an event as published
func (s *Store) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_unix_millis = ? WHERE event_id = ?",
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// ChildOrderCount reports how many child orders are journaled for a request
func (s *Store) ChildOrderCount(ctx context.Context, correlationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM child_orders WHERE correlation_id = ?", correlationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count child orders: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
