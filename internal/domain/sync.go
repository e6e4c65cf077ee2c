package domain

import "time"

// SyncState is the persisted scheduler position.
// Corresponds to the single-row sync_state table.
type SyncState struct {
	LastEventID int64     // local mirror of the acknowledged cursor
	LastSyncAt  time.Time // completion time of the last successful tick
}

// Tick outcomes recorded in the audit log.
const (
	RunOutcomeSuccess = "success"
	RunOutcomeSkipped = "skipped"
	RunOutcomeFailed  = "failed"
)

// Per-event outcomes recorded in the audit log.
const (
	EventOutcomeApplied   = "applied"
	EventOutcomeDuplicate = "duplicate"
	EventOutcomeIgnored   = "ignored"
	EventOutcomeFailed    = "failed"
)

// SyncRun is one scheduler tick, recorded append-only.
type SyncRun struct {
	StartedAt    time.Time
	DurationMs   int64
	Forced       bool
	Outcome      string
	Polled       int
	Reconciled   int
	Failed       int
	AckedThrough int64
	Error        string
}

// EventRecord is the reconciliation outcome of one event, recorded append-only.
type EventRecord struct {
	EventID     int64
	EventType   string
	AssetKey    string
	Outcome     string
	Error       string
	ProcessedAt time.Time
}
