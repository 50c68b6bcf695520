package events

// RebalanceInstructionMsg is one rebalance line item consumed from the
// portfolio collaborator. Decimal amounts travel as strings.
type RebalanceInstructionMsg struct {
	EventID           string `json:"event_id"`
	CorrelationID     string `json:"correlation_id"`
	Symbol            string `json:"symbol"`
	Side              string `json:"side"` // "BUY" or "SELL"
	TargetNotionalUSD string `json:"target_notional_usd"`
	HeldPosition      string `json:"held_position"`
	TsUnixMillis      int64  `json:"ts_unix_millis"`
}

// ExecutionResultMsg is the terminal report for one execution request,
// published exactly once via the outbox.
type ExecutionResultMsg struct {
	EventID                    string `json:"event_id"`
	CorrelationID              string `json:"correlation_id"`
	Symbol                     string `json:"symbol"`
	Side                       string `json:"side"`
	RequestedNotionalUSD       string `json:"requested_notional_usd"`
	FilledQuantity             string `json:"filled_quantity"`
	AvgFillPrice               string `json:"average_fill_price"`
	ChildOrderCount            int    `json:"child_order_count"`
	Escalated                  bool   `json:"escalated"`
	CompletedWithoutEscalation bool   `json:"completed_without_escalation"`
	Outcome                    string `json:"outcome"` // FILLED, ESCALATED, SKIPPED, REJECTED, ABORTED
	FailureReason              string `json:"failure_reason,omitempty"`
	TsUnixMillis               int64  `json:"ts_unix_millis"`
}
