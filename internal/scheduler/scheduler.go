// Package scheduler drives the poll -> reconcile -> acknowledge loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/sync/errgroup"

	"market-sync/internal/domain"
	"market-sync/internal/eventsource"
	"market-sync/internal/observability"
	"market-sync/internal/routing"
	"market-sync/internal/storage"
)

// Default configuration values.
const (
	DefaultMinInterval = 30 * time.Second
	DefaultBatchLimit  = 100
	DefaultWorkers     = 1
	auditTimeout       = 5 * time.Second
)

// State is the scheduler's position in its tick state machine.
type State string

const (
	StateIdle          State = "IDLE"
	StatePolling       State = "POLLING"
	StateReconciling   State = "RECONCILING"
	StateAcknowledging State = "ACKNOWLEDGING"
	StateSkipped       State = "SKIPPED"
)

// Applier reconciles one event. Satisfied by *reconcile.Reconciler.
type Applier interface {
	Apply(ctx context.Context, event domain.Event) (string, error)
}

// AssetResolver maps an event to the id of the asset it touches. ok is false when
// the reference cannot be resolved. An Applier that also implements it lets events
// naming one asset by token id and by name share a group.
type AssetResolver interface {
	ResolveAsset(ctx context.Context, event domain.Event) (assetID string, ok bool)
}

// Options configures a Scheduler.
type Options struct {
	Source      eventsource.Source
	Applier     Applier
	Cursor      storage.CursorStore
	Audit       storage.AuditLog // optional
	Metrics     *observability.Metrics
	Logger      *log.Logger
	MinInterval time.Duration
	BatchLimit  int
	Workers     int // parallel asset groups within a batch
	Now         func() time.Time
}

// Result reports one tick.
type Result struct {
	Success           bool
	Skipped           bool
	TimeSinceLastSync time.Duration // zero when never synced
	RemainingWait     time.Duration // set when Skipped
	Polled            int
	Reconciled        int
	Failed            int
	AckedThrough      int64
	HasMore           bool
	Err               error
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State      State
	Running    bool
	LastSyncAt time.Time
	PendingAck int64
	Ticks      int
	Skips      int
	Failures   int
}

// Scheduler runs throttled sync ticks. Safe for concurrent use; overlapping ticks are skipped.
type Scheduler struct {
	opts Options

	mu         sync.Mutex
	running    bool
	state      State
	loaded     bool
	lastSyncAt time.Time
	pendingAck int64
	ticks      int
	skips      int
	failures   int
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{opts: opts, state: StateIdle}
}

// Status returns the current scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:      s.state,
		Running:    s.running,
		LastSyncAt: s.lastSyncAt,
		PendingAck: s.pendingAck,
		Ticks:      s.ticks,
		Skips:      s.skips,
		Failures:   s.failures,
	}
}

// Run ticks immediately and then every interval until ctx is done.
// Timer ticks are not forced, so they respect the throttle.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	s.opts.Logger.Printf("Starting sync scheduler (interval: %v, min interval: %v)...", interval, s.opts.MinInterval)

	s.Tick(ctx, false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, false)
		}
	}
}

// Trigger runs a non-forced tick. Used by push wake-ups.
func (s *Scheduler) Trigger(ctx context.Context) {
	s.Tick(ctx, false)
}

// Tick performs one poll/reconcile/acknowledge cycle unless throttled.
// force bypasses the minimum interval but never an in-flight tick.
func (s *Scheduler) Tick(ctx context.Context, force bool) (result Result) {
	s.mu.Lock()
	if s.running {
		since := s.sinceLastSync(s.opts.Now())
		s.skips++
		s.mu.Unlock()
		s.opts.Logger.Println("Sync already running, skipping...")
		return Result{Skipped: true, TimeSinceLastSync: since}
	}
	s.running = true
	s.mu.Unlock()

	start := s.opts.Now()
	run := &domain.SyncRun{StartedAt: start, Forced: force}
	var records []*domain.EventRecord

	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Printf("Sync tick panicked: %s", goerrors.Wrap(r, 2).ErrorStack())
			result = Result{Err: fmt.Errorf("sync tick panicked: %v", r)}
		}
		s.finish(ctx, run, records, &result, start)
	}()

	if err := s.loadState(ctx); err != nil {
		return Result{Err: fmt.Errorf("load sync state: %w", err)}
	}

	s.mu.Lock()
	since := s.sinceLastSync(start)
	throttled := !force && !s.lastSyncAt.IsZero() && since < s.opts.MinInterval
	if throttled {
		s.state = StateSkipped
	}
	s.mu.Unlock()

	if throttled {
		remaining := s.opts.MinInterval - since
		s.opts.Logger.Printf("Last sync %v ago, throttled for another %v", since.Round(time.Millisecond), remaining.Round(time.Millisecond))
		return Result{Skipped: true, TimeSinceLastSync: since, RemainingWait: remaining}
	}

	result, records = s.sync(ctx)
	result.TimeSinceLastSync = since
	return result
}

// sync runs the non-throttled part of a tick.
func (s *Scheduler) sync(ctx context.Context) (Result, []*domain.EventRecord) {
	var result Result

	if err := s.retryPendingAck(ctx); err != nil {
		result.Err = err
		return result, nil
	}

	s.setState(StatePolling)
	pollStart := time.Now()
	page, err := s.opts.Source.Poll(ctx, domain.MarketplaceEventTypes, s.opts.BatchLimit, true)
	s.opts.Metrics.RecordRemoteCall("poll", time.Since(pollStart), err)
	if err != nil {
		s.opts.Logger.Printf("Poll failed, tick aborted: %v", err)
		result.Err = fmt.Errorf("poll: %w", err)
		return result, nil
	}
	result.Polled = len(page.Events)
	result.HasMore = page.HasMore

	s.setState(StateReconciling)
	outcomes := s.reconcileBatch(ctx, page.Events)

	records := make([]*domain.EventRecord, len(page.Events))
	for i, e := range page.Events {
		o := outcomes[i]
		rec := &domain.EventRecord{
			EventID:     e.ID,
			EventType:   string(e.Type),
			AssetKey:    routing.GroupKey(e),
			Outcome:     o.outcome,
			ProcessedAt: s.opts.Now(),
		}
		if o.err != nil {
			rec.Outcome = domain.EventOutcomeFailed
			rec.Error = o.err.Error()
			result.Failed++
		} else {
			result.Reconciled++
		}
		records[i] = rec
		s.opts.Metrics.RecordEvent(rec.EventType, rec.Outcome)
	}

	ackThrough := contiguousWatermark(page.Events, outcomes)
	if ackThrough > 0 {
		s.setState(StateAcknowledging)
		if err := s.acknowledge(ctx, ackThrough); err != nil {
			s.mu.Lock()
			s.pendingAck = ackThrough
			s.mu.Unlock()
			result.Err = fmt.Errorf("acknowledge %d: %w", ackThrough, err)
			return result, records
		}
		result.AckedThrough = ackThrough
	}

	now := s.opts.Now()
	s.mu.Lock()
	s.lastSyncAt = now
	s.mu.Unlock()
	if err := s.opts.Cursor.MarkSynced(ctx, now); err != nil {
		s.opts.Logger.Printf("Failed to persist last sync time: %v", err)
	}
	s.opts.Metrics.RecordSynced(now)

	result.Success = result.Failed == 0
	if result.Failed > 0 {
		result.Err = fmt.Errorf("%d of %d events failed to reconcile", result.Failed, result.Polled)
	}
	return result, records
}

type eventOutcome struct {
	outcome string
	err     error
}

// reconcileBatch applies events grouped by asset. Groups run in parallel up to Workers;
// within a group events apply in order and the first failure skips the rest of the group.
// If any asset reference cannot be resolved the whole batch runs as one group in id order.
func (s *Scheduler) reconcileBatch(ctx context.Context, events []domain.Event) []eventOutcome {
	outcomes := make([]eventOutcome, len(events))

	var (
		order      []string
		groups     = make(map[string][]int)
		sequential []int
		unresolved bool
	)
	for i, e := range events {
		if !e.Finalized {
			outcomes[i] = eventOutcome{err: errors.New("event not finalized")}
			continue
		}
		sequential = append(sequential, i)
		key, ok := s.groupKey(ctx, e)
		if !ok {
			unresolved = true
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}
	if unresolved {
		s.opts.Logger.Printf("Unresolved asset reference in batch, applying %d events sequentially", len(sequential))
		order = []string{""}
		groups = map[string][]int{"": sequential}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			var blocked error
			for _, i := range idx {
				if blocked != nil {
					outcomes[i] = eventOutcome{err: fmt.Errorf("blocked by earlier failure: %w", blocked)}
					continue
				}
				outcome, err := s.apply(gctx, events[i])
				if err != nil {
					s.opts.Logger.Printf("Reconcile failed for event %d (%s): %v", events[i].ID, events[i].Type, err)
					blocked = err
				}
				outcomes[i] = eventOutcome{outcome: outcome, err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// groupKey returns the asset id an event is serialized under.
func (s *Scheduler) groupKey(ctx context.Context, event domain.Event) (string, bool) {
	if r, ok := s.opts.Applier.(AssetResolver); ok {
		return r.ResolveAsset(ctx, event)
	}
	ref := routing.DecodePayload(event.Data).AssetRef()
	if ref.ID == "" && ref.Name != "" {
		return "", false
	}
	return ref.Key(), true
}

// apply reconciles one event, converting a panic into an error for that event.
func (s *Scheduler) apply(ctx context.Context, event domain.Event) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Printf("Reconcile panicked on event %d: %s", event.ID, goerrors.Wrap(r, 2).ErrorStack())
			err = fmt.Errorf("reconcile panicked: %v", r)
		}
	}()
	return s.opts.Applier.Apply(ctx, event)
}

// contiguousWatermark returns the highest event id such that it and every earlier event succeeded.
func contiguousWatermark(events []domain.Event, outcomes []eventOutcome) int64 {
	var through int64
	for i, e := range events {
		if outcomes[i].err != nil {
			break
		}
		through = e.ID
	}
	return through
}

// retryPendingAck re-sends an acknowledgment that failed in an earlier tick.
func (s *Scheduler) retryPendingAck(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pendingAck
	s.mu.Unlock()
	if pending == 0 {
		return nil
	}

	s.setState(StateAcknowledging)
	if err := s.acknowledge(ctx, pending); err != nil {
		return fmt.Errorf("retry acknowledge %d: %w", pending, err)
	}
	s.mu.Lock()
	if s.pendingAck == pending {
		s.pendingAck = 0
	}
	s.mu.Unlock()
	s.opts.Logger.Printf("Pending acknowledgment %d delivered", pending)
	return nil
}

// acknowledge advances the remote cursor and then its local mirror.
func (s *Scheduler) acknowledge(ctx context.Context, eventID int64) error {
	start := time.Now()
	err := s.opts.Source.Acknowledge(ctx, eventID)
	s.opts.Metrics.RecordRemoteCall("acknowledge", time.Since(start), err)
	s.opts.Metrics.RecordAck(eventID, err)
	if err != nil {
		s.opts.Logger.Printf("Acknowledge %d failed, will retry next tick: %v", eventID, err)
		return err
	}
	if err := s.opts.Cursor.AdvanceCursor(ctx, eventID); err != nil {
		s.opts.Logger.Printf("Failed to persist cursor %d: %v", eventID, err)
	}
	return nil
}

// loadState reads the persisted last sync time once.
func (s *Scheduler) loadState(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}

	state, err := s.opts.Cursor.GetSyncState(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state != nil && state.LastSyncAt.After(s.lastSyncAt) {
		s.lastSyncAt = state.LastSyncAt
	}
	s.loaded = true
	return nil
}

// finish records the tick outcome and returns the scheduler to IDLE.
func (s *Scheduler) finish(ctx context.Context, run *domain.SyncRun, records []*domain.EventRecord, result *Result, start time.Time) {
	elapsed := s.opts.Now().Sub(start)

	s.mu.Lock()
	s.running = false
	s.state = StateIdle
	s.ticks++
	switch {
	case result.Skipped:
		s.skips++
	case result.Err != nil:
		s.failures++
	}
	s.mu.Unlock()

	run.DurationMs = elapsed.Milliseconds()
	run.Polled = result.Polled
	run.Reconciled = result.Reconciled
	run.Failed = result.Failed
	run.AckedThrough = result.AckedThrough
	switch {
	case result.Skipped:
		run.Outcome = domain.RunOutcomeSkipped
		elapsed = 0
	case result.Success:
		run.Outcome = domain.RunOutcomeSuccess
	default:
		run.Outcome = domain.RunOutcomeFailed
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	s.opts.Metrics.RecordTick(run.Outcome, elapsed)

	if s.opts.Audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.opts.Audit.RecordRun(actx, run); err != nil {
		s.opts.Metrics.RecordAuditError()
		s.opts.Logger.Printf("Failed to record sync run: %v", err)
	}
	if err := s.opts.Audit.RecordEvents(actx, records); err != nil {
		s.opts.Metrics.RecordAuditError()
		s.opts.Logger.Printf("Failed to record event outcomes: %v", err)
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// sinceLastSync must be called with mu held.
func (s *Scheduler) sinceLastSync(now time.Time) time.Duration {
	if s.lastSyncAt.IsZero() {
		return 0
	}
	return now.Sub(s.lastSyncAt)
}
