// Package syncer drains the operation queue against the remote API.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/syncq/internal/notify"
	"github.com/kalambet/syncq/internal/storage"
	"github.com/kalambet/syncq/internal/transport"
)

// Store is the subset of the queue store the syncer drives.
type Store interface {
	ListEligible() ([]storage.Operation, error)
	CountPending() (int, error)
	MarkProcessing(id string) error
	MarkCompleted(id string) error
	MarkFailed(id, errMsg string) error
	IncrementRetry(id string) error
	UpdateStatus(id string, status storage.Status, errMsg string) error
}

// Transport performs one delivery attempt.
type Transport interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	IsOnline() bool
}

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// ItemResult is the outcome of one delivery attempt.
type ItemResult struct {
	ID       string `json:"id"`
	Success  bool   `json:"success"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Result aggregates one drain pass. A zero Result means the pass did not run.
type Result struct {
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Items      []ItemResult `json:"results"`
}

func (r *Result) add(item ItemResult) {
	r.Processed++
	if item.Success {
		r.Successful++
	} else {
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

type Status struct {
	Syncing    bool       `json:"syncing"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
}

// Syncer runs single-flight drain passes. Construct one per queue.
type Syncer struct {
	store     Store
	transport Transport
	online    OnlineChecker
	events    *notify.Notifier
	cfg       Config
	logger    *slog.Logger

	guard *semaphore.Weighted
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	syncing    bool
	lastSyncAt *time.Time
	lastResult *Result
}

// New creates a Syncer. online and events may be nil; a nil checker is
// treated as always online. Zero config fields take their defaults.
func New(store Store, tr Transport, online OnlineChecker, events *notify.Notifier, cfg Config) *Syncer {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Syncer{
		store:     store,
		transport: tr,
		online:    online,
		events:    events,
		cfg:       cfg,
		logger:    slog.Default(),
		guard:     semaphore.NewWeighted(1),
		sleep:     sleepContext,
	}
}

// BackoffDelay returns min(base * 2^retryCount, max).
func BackoffDelay(retryCount int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Syncer) isOnline() bool {
	return s.online == nil || s.online.IsOnline()
}

func (s *Syncer) publish(t notify.EventType) {
	if s.events != nil {
		s.events.Publish(t)
	}
}

// Status returns the scheduler state for display.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Syncing: s.syncing}
	if s.lastSyncAt != nil {
		t := *s.lastSyncAt
		st.LastSyncAt = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

func (s *Syncer) setSyncing(v bool) {
	s.mu.Lock()
	s.syncing = v
	s.mu.Unlock()
}

// ProcessQueue runs one drain pass. It returns a zero Result without touching
// the store when another pass is running or the remote is offline. An error
// is returned only when the batch cannot be read or ctx ends mid-pass; record
// failures are reported in the Result.
func (s *Syncer) ProcessQueue(ctx context.Context) (Result, error) {
	if !s.guard.TryAcquire(1) {
		s.logger.Debug("drain already running")
		return Result{}, nil
	}
	defer s.guard.Release(1)

	if !s.isOnline() {
		s.logger.Debug("offline, drain deferred")
		return Result{}, nil
	}

	s.setSyncing(true)
	s.publish(notify.SyncStarted)
	defer func() {
		s.setSyncing(false)
		s.publish(notify.SyncFinished)
	}()

	ops, err := s.store.ListEligible()
	if err != nil {
		return Result{}, fmt.Errorf("listing eligible operations: %w", err)
	}

	var res Result
	for _, op := range ops {
		// Failed records wait for an explicit reset; processing is a lease.
		if op.Status == storage.StatusProcessing || op.Status == storage.StatusFailed {
			continue
		}

		if op.RetryCount > 0 {
			delay := BackoffDelay(op.RetryCount, s.cfg.BaseDelay, s.cfg.MaxDelay)
			s.logger.Debug("backing off", "op_id", op.ID, "retry_count", op.RetryCount, "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				return res, fmt.Errorf("drain abandoned: %w", err)
			}
		}

		if !s.isOnline() {
			s.logger.Info("went offline, stopping drain", "remaining_from", op.ID)
			break
		}

		item, attempted := s.syncOne(ctx, op)
		if attempted {
			res.add(item)
		}

		if ctx.Err() != nil {
			return res, fmt.Errorf("drain abandoned: %w", ctx.Err())
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.lastSyncAt = &now
	last := res
	s.lastResult = &last
	s.mu.Unlock()

	if res.Processed > 0 {
		s.logger.Info("drain finished", "processed", res.Processed, "successful", res.Successful, "failed", res.Failed)
		s.publish(notify.QueueChanged)
	}
	return res, nil
}

// DrainIfPending runs a pass only when a pending record exists. Failed
// records wait for an explicit reset, so they never start a pass on their own.
func (s *Syncer) DrainIfPending(ctx context.Context) (Result, error) {
	n, err := s.store.CountPending()
	if err != nil {
		return Result{}, fmt.Errorf("counting pending operations: %w", err)
	}
	if n == 0 {
		return Result{}, nil
	}
	return s.ProcessQueue(ctx)
}

// syncOne attempts a single record. It reports attempted=false when the
// record could not be leased.
func (s *Syncer) syncOne(ctx context.Context, op storage.Operation) (ItemResult, bool) {
	if err := s.store.MarkProcessing(op.ID); err != nil {
		if errors.Is(err, storage.ErrLeased) || errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("skipping operation", "op_id", op.ID, "error", err)
		} else {
			s.logger.Error("failed to lease operation", "op_id", op.ID, "error", err)
		}
		return ItemResult{}, false
	}

	resp, err := s.deliver(ctx, op)
	if err != nil {
		s.recordFailure(op, err)
		return ItemResult{ID: op.ID, Error: err.Error()}, true
	}

	if err := s.store.MarkCompleted(op.ID); err != nil {
		s.logger.Error("failed to mark operation completed", "op_id", op.ID, "error", err)
	}
	s.logger.Debug("operation delivered", "op_id", op.ID, "action", op.Action)
	return ItemResult{ID: op.ID, Success: true, Response: resp}, true
}

func (s *Syncer) deliver(ctx context.Context, op storage.Operation) (any, error) {
	resp, err := s.transport.Send(ctx, transport.Request{
		Method:   op.Method,
		Endpoint: op.Endpoint,
		Body:     op.Body,
	})
	if err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}
	return parsed, nil
}

func (s *Syncer) recordFailure(op storage.Operation, cause error) {
	msg := cause.Error()
	if op.RetryCount+1 >= s.cfg.MaxRetries {
		s.logger.Warn("operation failed permanently", "op_id", op.ID, "action", op.Action, "retry_count", op.RetryCount, "error", msg)
		if err := s.store.MarkFailed(op.ID, msg); err != nil {
			s.logger.Error("failed to mark operation failed", "op_id", op.ID, "error", err)
		}
		return
	}

	s.logger.Warn("delivery failed, will retry", "op_id", op.ID, "action", op.Action, "retry_count", op.RetryCount+1, "error", msg)
	if err := s.store.IncrementRetry(op.ID); err != nil {
		s.logger.Error("failed to increment retry count", "op_id", op.ID, "error", err)
	}
	if err := s.store.UpdateStatus(op.ID, storage.StatusPending, msg); err != nil {
		s.logger.Error("failed to requeue operation", "op_id", op.ID, "error", err)
	}
}
