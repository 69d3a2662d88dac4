package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"
)

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Remote          RemoteStore
	Store           Store
	Session         SessionCheck // nil means "always signed in"
	Debounce        time.Duration
	DownloadWorkers int
	UploadWorkers   int
	OnRemoteChange  func() // invoked after a notification-driven pull applied changes
	Logger          *slog.Logger
}

// Engine owns the canonical in-memory snapshot and local index and wires the
// change queue, reconciler, bulk selector, and notification loop behind one
// operation chain. Local mutations update the index synchronously and return
// before any network work; everything network-facing runs serialized on the
// chain.
type Engine struct {
	remote     RemoteStore
	store      Store
	session    SessionCheck
	chain      *opChain
	pusher     *Pusher
	reconciler *Reconciler
	watcher    *Watcher
	logger     *slog.Logger

	// mu guards snapshot and localIdx. Mutators take it briefly; chained
	// operations take it for the duration of a pass, which is the same
	// exclusion the single-threaded original provided.
	mu       gosync.Mutex
	snapshot *Snapshot
	localIdx *Index
}

// NewEngine loads the persisted snapshot and local index and assembles the
// engine. The returned engine is idle: the notification loop starts only on
// StartNotifications.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	session := cfg.Session
	if session == nil {
		session = func() bool { return true }
	}

	snap, err := cfg.Store.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: loading snapshot: %w", err)
	}

	localIdx, err := cfg.Store.LoadIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: loading local index: %w", err)
	}

	e := &Engine{
		remote:   cfg.Remote,
		store:    cfg.Store,
		session:  session,
		chain:    newOpChain(logger),
		logger:   logger,
		snapshot: snap,
		localIdx: localIdx,
	}

	e.pusher = newPusher(cfg.Remote, session, cfg.Debounce, cfg.UploadWorkers, logger)
	e.pusher.scheduleFlush = func() {
		e.chain.SubmitAsync("debounced-flush", e.flushOp)
	}

	e.reconciler = newReconciler(cfg.Remote, cfg.Store, cfg.DownloadWorkers, cfg.UploadWorkers, logger)

	e.watcher = newWatcher(cfg.Remote, session, e.notificationPull, cfg.OnRemoteChange, logger)

	logger.Info("sync engine ready",
		slog.Int("entities", len(snap.Entities)),
		slog.Int("tombstones", len(localIdx.Deletions)),
	)

	return e, nil
}

// Close stops the notification loop and drains the operation chain. Pending
// debounced changes are flushed first so a clean shutdown loses nothing.
func (e *Engine) Close() error {
	e.watcher.Stop()
	e.pusher.CancelTimer()

	if err := e.chain.Submit(context.Background(), "shutdown-flush", e.pusher.Flush); err != nil {
		e.logger.Warn("shutdown flush failed", slog.String("error", err.Error()))
	}

	e.chain.Stop()

	return nil
}

// ---------------------------------------------------------------------------
// Local mutations (application-layer API)
// ---------------------------------------------------------------------------

// PushEntity records a local upsert: the local index is updated and
// persisted synchronously, the snapshot is saved, and the change is queued
// for a debounced remote flush. The network never blocks the caller.
func (e *Engine) PushEntity(ctx context.Context, key Key, content json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}

	now := time.Now()

	e.mu.Lock()
	e.snapshot.Entities[key] = append(json.RawMessage(nil), content...)
	e.snapshot.Modified = now
	e.localIdx.RecordUpsert(key, now)

	err := e.persistLocked(ctx)
	e.mu.Unlock()

	if err != nil {
		return err
	}

	e.pusher.Enqueue(key, content, now)

	return nil
}

// PushDeletion records a local deletion: symmetric to PushEntity with a
// tombstone instead of content.
func (e *Engine) PushDeletion(ctx context.Context, key Key) error {
	if err := validateKey(key); err != nil {
		return err
	}

	now := time.Now()

	e.mu.Lock()
	delete(e.snapshot.Entities, key)
	e.snapshot.Modified = now
	e.localIdx.RecordDeletion(key, now)

	err := e.persistLocked(ctx)
	e.mu.Unlock()

	if err != nil {
		return err
	}

	e.pusher.EnqueueDeletion(key, now)

	return nil
}

// persistLocked saves the snapshot and index. Caller holds e.mu.
func (e *Engine) persistLocked(ctx context.Context) error {
	if err := e.store.SaveSnapshot(ctx, e.snapshot); err != nil {
		return fmt.Errorf("sync: persisting snapshot: %w", err)
	}

	if err := e.store.SaveIndex(ctx, e.localIdx); err != nil {
		return fmt.Errorf("sync: persisting local index: %w", err)
	}

	return nil
}

// Snapshot returns a deep copy of the current local snapshot.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.snapshot.Clone()
}

// Entity returns a copy of one entity's content, or nil if absent.
func (e *Engine) Entity(key Key) json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	content, ok := e.snapshot.Entities[key]
	if !ok {
		return nil
	}

	return append(json.RawMessage(nil), content...)
}

// Status summarizes engine state for the CLI.
type Status struct {
	Entities   int
	Tombstones int
	Pending    int
	Watching   bool
}

// Status returns current counts.
func (e *Engine) Status() Status {
	e.mu.Lock()
	entities := len(e.localIdx.Entities)
	tombstones := len(e.localIdx.Deletions)
	e.mu.Unlock()

	return Status{
		Entities:   entities,
		Tombstones: tombstones,
		Pending:    e.pusher.PendingCount(),
		Watching:   e.watcher.Running(),
	}
}

// ---------------------------------------------------------------------------
// Reconciliation-class operations
// ---------------------------------------------------------------------------

// flushOp adapts Pusher.Flush for the chain; failures are logged only.
// Unflushed state stays in the local index and is corrected by the next
// flush or reconciliation pass.
func (e *Engine) flushOp(ctx context.Context) error {
	if err := e.pusher.Flush(ctx); err != nil {
		e.logger.Warn("batch flush failed", slog.String("error", err.Error()))
	}

	return nil
}

// drainQueue cancels the debounce timer and runs one synchronous flush
// through the chain. Every reconciliation entry point calls this first, so
// a queued batch always lands before the pass diffs the indices.
func (e *Engine) drainQueue(ctx context.Context) error {
	e.pusher.CancelTimer()

	return e.chain.Submit(ctx, "drain-flush", e.flushOp)
}

// FullSync drains the change queue, then runs one bidirectional
// reconciliation pass as a serialized operation. Whole-operation failures
// propagate; local data is left consistent.
func (e *Engine) FullSync(ctx context.Context) error {
	if !e.session() {
		return nil
	}

	if err := e.drainQueue(ctx); err != nil {
		return err
	}

	return e.chain.Submit(ctx, "full-sync", func(opCtx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		return e.reconciler.FullSync(opCtx, e.snapshot, e.localIdx)
	})
}

// ForceUploadAll drains the queue and replaces the remote store's contents
// with this device's snapshot.
func (e *Engine) ForceUploadAll(ctx context.Context) error {
	if !e.session() {
		return nil
	}

	if err := e.drainQueue(ctx); err != nil {
		return err
	}

	return e.chain.Submit(ctx, "force-upload", func(opCtx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		return e.reconciler.ForceUploadAll(opCtx, e.snapshot, e.localIdx)
	})
}

// ForceDownloadAll drains the queue and replaces this device's snapshot with
// the remote store's contents.
func (e *Engine) ForceDownloadAll(ctx context.Context) error {
	if !e.session() {
		return nil
	}

	if err := e.drainQueue(ctx); err != nil {
		return err
	}

	return e.chain.Submit(ctx, "force-download", func(opCtx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		return e.reconciler.ForceDownloadAll(opCtx, e.snapshot, e.localIdx)
	})
}

// notificationPull is the Watcher's pull hook: one incremental pull,
// serialized on the chain, without draining the change queue (the pull side
// touches no pending local state).
func (e *Engine) notificationPull(ctx context.Context) (bool, error) {
	var changed bool

	err := e.chain.Submit(ctx, "incremental-pull", func(opCtx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		var pullErr error
		changed, pullErr = e.reconciler.IncrementalPull(opCtx, e.snapshot, e.localIdx)

		return pullErr
	})

	return changed, err
}

// StartNotifications starts the background change-notification loop.
// Starting twice is a no-op.
func (e *Engine) StartNotifications() {
	e.watcher.Start()
}

// StopNotifications cooperatively stops the loop (app backgrounding, sign
// out). Safe to call when not running.
func (e *Engine) StopNotifications() {
	e.watcher.Stop()
}

// Resume runs the foreground/resume sequence: one incremental pull, then
// restart the notification loop. Pull failures are logged, not surfaced —
// resume must never block the application.
func (e *Engine) Resume(ctx context.Context) {
	if e.session() {
		if changed, err := e.notificationPull(ctx); err != nil {
			e.logger.Warn("resume pull failed", slog.String("error", err.Error()))
		} else if changed && e.watcher.onChange != nil {
			e.watcher.onChange()
		}
	}

	e.watcher.Start()
}
