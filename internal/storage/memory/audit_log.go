package memory

import (
	"context"
	"sync"

	"market-sync/internal/domain"
	"market-sync/internal/storage"
)

// AuditLog is an in-memory implementation of storage.AuditLog.
type AuditLog struct {
	mu     sync.RWMutex
	runs   []*domain.SyncRun
	events []*domain.EventRecord
}

// NewAuditLog creates a new in-memory audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

// Compile-time interface check.
var _ storage.AuditLog = (*AuditLog)(nil)

// RecordRun appends one scheduler tick.
func (l *AuditLog) RecordRun(_ context.Context, run *domain.SyncRun) error {
	if run == nil {
		return storage.ErrInvalidInput
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	runCopy := *run
	l.runs = append(l.runs, &runCopy)
	return nil
}

// RecordEvents appends per-event outcomes.
func (l *AuditLog) RecordEvents(_ context.Context, records []*domain.EventRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		if r == nil {
			continue
		}
		recCopy := *r
		l.events = append(l.events, &recCopy)
	}
	return nil
}

// Runs returns a copy of all recorded runs in insertion order.
func (l *AuditLog) Runs() []domain.SyncRun {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.SyncRun, len(l.runs))
	for i, r := range l.runs {
		result[i] = *r
	}
	return result
}

// Events returns a copy of all recorded event outcomes in insertion order.
func (l *AuditLog) Events() []domain.EventRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.EventRecord, len(l.events))
	for i, r := range l.events {
		result[i] = *r
	}
	return result
}
