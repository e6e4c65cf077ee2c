package clickhouse

import (
	"context"
	"fmt"
	"time"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// AuditLog implements storage.AuditLog using ClickHouse.
// Rows are append-only; nothing in the service reads them back except tests and ad-hoc queries.
type AuditLog struct {
	conn *Conn
}

// NewAuditLog creates a new AuditLog.
func NewAuditLog(conn *Conn) *AuditLog {
	return &AuditLog{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditLog = (*AuditLog)(nil)

// RecordRun appends one scheduler tick.
func (l *AuditLog) RecordRun(ctx context.Context, run *domain.SyncRun) error {
	if run == nil {
		return storage.ErrInvalidInput
	}

	batch, err := l.conn.PrepareBatch(ctx, `
		INSERT INTO sync_runs (
			started_at, duration_ms, forced, outcome, polled, reconciled, failed, acked_through, error
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	var forced uint8
	if run.Forced {
		forced = 1
	}
	err = batch.Append(
		run.StartedAt.UTC(), run.DurationMs, forced, run.Outcome,
		uint32(run.Polled), uint32(run.Reconciled), uint32(run.Failed),
		run.AckedThrough, run.Error,
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// RecordEvents appends per-event outcomes in a single batch.
func (l *AuditLog) RecordEvents(ctx context.Context, records []*domain.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := l.conn.PrepareBatch(ctx, `
		INSERT INTO sync_events (
			event_id, event_type, asset_key, outcome, error, processed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range records {
		if r == nil {
			continue
		}
		processedAt := r.ProcessedAt
		if processedAt.IsZero() {
			processedAt = time.Now()
		}
		err = batch.Append(r.EventID, r.EventType, r.AssetKey, r.Outcome, r.Error, processedAt.UTC())
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// CountRunsByOutcome returns how many ticks ended with each outcome.
func (l *AuditLog) CountRunsByOutcome(ctx context.Context) (map[string]uint64, error) {
	rows, err := l.conn.Query(ctx, `
		SELECT outcome, count() FROM sync_runs GROUP BY outcome
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	result := make(map[string]uint64)
	for rows.Next() {
		var (
			outcome string
			n       uint64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result[outcome] = n
	}
	return result, rows.Err()
}

// EventsForAsset returns recorded outcomes for one asset key ordered by event id.
func (l *AuditLog) EventsForAsset(ctx context.Context, assetKey string) ([]*domain.EventRecord, error) {
	rows, err := l.conn.Query(ctx, `
		SELECT event_id, event_type, asset_key, outcome, error, processed_at
		FROM sync_events
		WHERE asset_key = ?
		ORDER BY event_id ASC, processed_at ASC
	`, assetKey)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []*domain.EventRecord
	for rows.Next() {
		var r domain.EventRecord
		if err := rows.Scan(&r.EventID, &r.EventType, &r.AssetKey, &r.Outcome, &r.Error, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
