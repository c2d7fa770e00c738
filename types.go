package main

// Issuance is one historical value of the serving counter: the position it was
// moved to, when, and how many queue positions were recorded as served by that
// move. Rows are append-only and totally ordered by ServingCounter.
type Issuance struct {
	EventID              string `json:"event_id"`
	ServingCounter       int64  `json:"serving_counter"`
	IssueTime            int64  `json:"issue_time"`
	QueuePositionsServed int64  `json:"queue_positions_served"`
}

// PositionEntry records when a queue position was handed to a client. Written
// once by the issuance path; the reconciler only reads it.
type PositionEntry struct {
	RequestID     string `json:"request_id"`
	QueuePosition int64  `json:"queue_position"`
	EntryTime     int64  `json:"entry_time"`
}

// CounterSnapshot is a point-in-time read of every counter in the fast store.
type CounterSnapshot struct {
	QueueCounter            int64 `json:"queue_counter"`
	ServingCounter          int64 `json:"serving_counter"`
	TokenCounter            int64 `json:"token_counter"`
	MaxQueuePositionExpired int64 `json:"max_queue_position_expired"`
	ResetInProgress         bool  `json:"reset_in_progress"`
	AbandonedSessionCounter int64 `json:"abandoned_session_counter"`
	CompletedSessionCounter int64 `json:"completed_session_counter"`
}
