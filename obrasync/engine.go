// Package obrasync drains the local sync queue into the remote backend.
//
// The Engine runs one batch at a time. A batch delivers queue items in
// creation order, each independently: a failing item never aborts the batch,
// and a record whose earlier mutation failed is held back so the backend
// never sees its mutations out of order.
//
// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Deijai/innoma-obras/netmon"
	"github.com/Deijai/innoma-obras/obrasqlite"
	"github.com/Deijai/innoma-obras/securestore"
)

// LastSyncKey is the secure store key holding the last successful sync time.
const LastSyncKey = "last_sync"

var (
	// ErrSyncInProgress is returned by ForceSyncTable while a batch is running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned by ForceSyncTable when the backend is unreachable.
	ErrOffline = errors.New("internet is not reachable")
)

// Reachability answers whether the backend can be reached right now.
type Reachability interface {
	IsInternetReachable(ctx context.Context) bool
}

// ConnectivitySource publishes connectivity changes.
type ConnectivitySource interface {
	AddListener(fn func(netmon.State)) (remove func())
}

// Config holds engine tunables.
type Config struct {
	Interval  time.Duration // periodic sync interval
	BatchSize int           // items per batch

	// CountTransientFailures makes network errors and 5xx responses consume
	// attempts like rejections do.
	CountTransientFailures bool
}

// DefaultConfig returns a 5 minute interval and batches of 50.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 50,
	}
}

// Deps are the collaborators of an Engine. KV, Logger and Metrics are optional.
type Deps struct {
	Store        *obrasqlite.Store
	Queue        *obrasqlite.Queue
	Remote       Remote
	Reachability Reachability
	KV           securestore.Store
	Logger       *slog.Logger
	Metrics      Recorder
}

// Engine is the sync state machine: Idle, then Syncing, then Idle again.
type Engine struct {
	cfg     Config
	store   *obrasqlite.Store
	queue   *obrasqlite.Queue
	remote  Remote
	reach   Reachability
	kv      securestore.Store
	logger  *slog.Logger
	metrics Recorder

	syncing atomic.Bool
	bg      sync.WaitGroup

	mu         sync.Mutex
	last       Status
	loopParent context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	interval   time.Duration
}

// New validates deps and builds an engine. Zero config fields take defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue cannot be nil")
	case deps.Remote == nil:
		return nil, fmt.Errorf("remote cannot be nil")
	case deps.Reachability == nil:
		return nil, fmt.Errorf("reachability cannot be nil")
	}

	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	e := &Engine{
		cfg:     cfg,
		store:   deps.Store,
		queue:   deps.Queue,
		remote:  deps.Remote,
		reach:   deps.Reachability,
		kv:      deps.KV,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
	if e.logger == nil {
		e.logger = deps.Store.Logger()
	}
	if e.metrics == nil {
		e.metrics = noopRecorder{}
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Init restores the last sync time and the pending count.
func (e *Engine) Init(ctx context.Context) error {
	var last *time.Time
	if e.kv != nil {
		v, err := e.kv.Get(ctx, LastSyncKey)
		switch {
		case errors.Is(err, securestore.ErrNotFound):
		case err != nil:
			e.logger.Warn("failed to read last sync time", "error", err)
		default:
			if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
				last = &t
			} else {
				e.logger.Warn("ignoring malformed last sync time", "value", v)
			}
		}
	}

	pending, err := e.queue.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending items: %w", err)
	}

	e.mu.Lock()
	e.last.LastSync = last
	e.last.PendingItems = pending
	e.mu.Unlock()
	e.logger.Info("sync engine initialized", "pending", pending, "batch_size", e.cfg.BatchSize)
	return nil
}

// Shutdown stops the periodic loop and waits for the goroutines the engine
// started, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	done := e.loopDone
	e.mu.Unlock()
	e.StopPeriodicSync()

	waited := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		e.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		e.logger.Info("sync engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop sync engine: %w", ctx.Err())
	}
}

// Status returns the last batch summary with fresh pending and online values.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	st := e.last.clone()
	e.mu.Unlock()

	st.IsSyncing = e.syncing.Load()
	st.IsOnline = e.reach.IsInternetReachable(ctx)
	if n, err := e.queue.CountPending(ctx); err == nil {
		st.PendingItems = n
	} else {
		st.Errors = append(st.Errors, err.Error())
	}
	return st
}

// PerformSync runs one batch. A call made while another batch is running
// returns the current status immediately. Being offline is not an error: the
// returned status says IsOnline=false and the queue is left untouched.
func (e *Engine) PerformSync(ctx context.Context) Status {
	if !e.syncing.CompareAndSwap(false, true) {
		e.mu.Lock()
		st := e.last.clone()
		e.mu.Unlock()
		st.IsSyncing = true
		return st
	}
	defer e.syncing.Store(false)

	st, _ := e.runBatch(ctx, func(ctx context.Context) ([]obrasqlite.Item, error) {
		return e.queue.DequeueBatch(ctx, e.cfg.BatchSize)
	})
	return st
}

// ForceSyncTable delivers only the pending items of table.
func (e *Engine) ForceSyncTable(ctx context.Context, table string) (Status, error) {
	if _, ok := obrasqlite.LookupSyncTable(table); !ok {
		return Status{}, fmt.Errorf("table %q is not synchronized", table)
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return e.Status(ctx), ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	return e.runBatch(ctx, func(ctx context.Context) ([]obrasqlite.Item, error) {
		return e.queue.PendingForTable(ctx, table, e.cfg.BatchSize)
	})
}

// Cleanup purges expired and poisoned queue items.
func (e *Engine) Cleanup(ctx context.Context) (obrasqlite.CleanupResult, error) {
	return e.queue.Cleanup(ctx)
}

func (e *Engine) runBatch(ctx context.Context, fetch func(context.Context) ([]obrasqlite.Item, error)) (Status, error) {
	start := time.Now()
	e.mu.Lock()
	st := Status{IsSyncing: true, LastSync: e.last.LastSync}
	e.mu.Unlock()

	defer func() {
		st.IsSyncing = false
		e.mu.Lock()
		e.last = st.clone()
		e.mu.Unlock()
	}()

	if !e.reach.IsInternetReachable(ctx) {
		st.IsOnline = false
		if n, err := e.queue.CountPending(ctx); err == nil {
			st.PendingItems = n
		}
		e.logger.Debug("skipping sync while offline", "pending", st.PendingItems)
		st.IsSyncing = false
		return st, ErrOffline
	}
	st.IsOnline = true

	pending, err := e.queue.CountPending(ctx)
	if err != nil {
		e.logger.Error("failed to count pending items", "error", err)
		st.Errors = append(st.Errors, err.Error())
		return st.finish(), err
	}
	if pending == 0 {
		e.recordLastSync(ctx, &st)
		return st.finish(), nil
	}

	batch, err := fetch(ctx)
	if err != nil {
		e.logger.Error("failed to dequeue sync batch", "error", err)
		st.Errors = append(st.Errors, err.Error())
		st.PendingItems = pending
		return st.finish(), err
	}
	e.metrics.BatchStarted(ctx, len(batch))
	e.logger.Debug("sync batch started", "size", len(batch), "pending", pending)

	e.deliverBatch(ctx, batch, &st)

	if n, err := e.queue.CountPending(ctx); err == nil {
		st.PendingItems = n
	} else {
		st.Errors = append(st.Errors, err.Error())
	}
	e.recordLastSync(ctx, &st)

	e.metrics.BatchFinished(ctx, BatchTiming{
		Size:     len(batch),
		Duration: time.Since(start),
		Pending:  st.PendingItems,
		Errors:   len(st.Errors),
	})
	e.logger.Info("sync batch finished",
		"size", len(batch),
		"delivered", st.Delivered,
		"deferred", st.Deferred,
		"failed", st.Failed,
		"evicted", st.Evicted,
		"skipped", st.Skipped,
		"pending", st.PendingItems,
		"duration", time.Since(start))
	return st.finish(), nil
}

func (s *Status) finish() Status {
	s.IsSyncing = false
	return *s
}

func (e *Engine) deliverBatch(ctx context.Context, batch []obrasqlite.Item, st *Status) {
	held := make(map[string]bool)
	for _, item := range batch {
		if ctx.Err() != nil {
			// Undelivered items stay pending for the next batch.
			st.Errors = append(st.Errors, ctx.Err().Error())
			return
		}

		key := item.Table + "/" + item.RecordUUID
		if held[key] {
			st.Skipped++
			e.metrics.ObserveItem(ctx, item.Table, OutcomeSkipped)
			continue
		}

		outcome, err := e.deliverItem(ctx, item)
		e.metrics.ObserveItem(ctx, item.Table, outcome)
		switch outcome {
		case OutcomeDelivered:
			st.Delivered++
			continue
		case OutcomeDeferred:
			st.Deferred++
		case OutcomeFailed:
			st.Failed++
		case OutcomeEvicted:
			st.Evicted++
		}
		held[key] = true
		st.Errors = append(st.Errors,
			fmt.Sprintf("%s %s/%s: %v", item.Operation, item.Table, item.RecordUUID, err))
	}
}

func (e *Engine) deliverItem(ctx context.Context, item obrasqlite.Item) (Outcome, error) {
	derr := e.remote.Deliver(ctx, item)
	if derr == nil {
		if err := e.queue.MarkDelivered(ctx, item); err != nil {
			e.logger.Error("failed to mark item delivered", "id", item.ID, "error", err)
			return OutcomeFailed, err
		}
		return OutcomeDelivered, nil
	}

	if IsTransient(derr) && !e.cfg.CountTransientFailures {
		next, err := e.queue.MarkDeferred(ctx, item.ID, derr)
		if err != nil {
			e.logger.Error("failed to record deferred item", "id", item.ID, "error", err)
		}
		e.logger.Debug("sync item deferred", "id", item.ID, "table", item.Table, "retry_at", next, "error", derr)
		return OutcomeDeferred, derr
	}

	evicted, err := e.queue.MarkFailed(ctx, item.ID, derr)
	if err != nil {
		e.logger.Error("failed to record failed item", "id", item.ID, "error", err)
		return OutcomeFailed, errors.Join(derr, err)
	}
	if evicted {
		return OutcomeEvicted, derr
	}
	return OutcomeFailed, derr
}

func (e *Engine) recordLastSync(ctx context.Context, st *Status) {
	now := e.store.Now().UTC()
	st.LastSync = &now
	if e.kv == nil {
		return
	}
	if err := e.kv.Set(ctx, LastSyncKey, now.Format(time.RFC3339Nano)); err != nil {
		e.logger.Warn("failed to persist last sync time", "error", err)
	}
}

// StartPeriodicSync cancels any running loop, then starts a new one that
// syncs immediately and every interval after that. A non-positive interval
// uses the configured one. Syncs started by the loop are not cancelled by
// StopPeriodicSync; they run their batch to completion.
func (e *Engine) StartPeriodicSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.cfg.Interval
	}
	e.StopPeriodicSync()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.mu.Lock()
	e.loopParent = ctx
	e.loopCancel = cancel
	e.loopDone = done
	e.interval = interval
	e.mu.Unlock()

	e.logger.Info("periodic sync started", "interval", interval)
	go e.loop(loopCtx, interval, done)
}

// Reschedule restarts a running periodic loop with a new interval.
func (e *Engine) Reschedule(interval time.Duration) bool {
	e.mu.Lock()
	parent, running, current := e.loopParent, e.loopCancel != nil, e.interval
	e.mu.Unlock()
	if !running || interval <= 0 || interval == current {
		return false
	}
	e.StartPeriodicSync(parent, interval)
	return true
}

// StopPeriodicSync stops the loop. It is safe to call at any time.
func (e *Engine) StopPeriodicSync() {
	e.mu.Lock()
	cancel := e.loopCancel
	e.loopCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		e.logger.Info("periodic sync stopped")
	}
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	syncCtx := context.WithoutCancel(ctx)

	e.PerformSync(syncCtx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PerformSync(syncCtx)
		}
	}
}

// SyncOnReconnect runs a sync whenever src reports the internet becoming
// reachable. The returned func unsubscribes.
func (e *Engine) SyncOnReconnect(src ConnectivitySource) (unsubscribe func()) {
	var online atomic.Bool
	online.Store(e.reach.IsInternetReachable(context.Background()))
	return src.AddListener(func(s netmon.State) {
		now := s.Online()
		if was := online.Swap(now); now && !was {
			e.logger.Info("connectivity restored, syncing")
			e.bg.Add(1)
			go func() {
				defer e.bg.Done()
				e.PerformSync(context.Background())
			}()
		}
	})
}
