package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultDebounce is the delay after the last local mutation before a batch
// flush is scheduled. A burst of edits inside the window collapses into one
// flush.
const DefaultDebounce = 500 * time.Millisecond

// batchEntry is one pending change: new content for an upsert, or
// deleted=true with no content for a deletion. The mutation timestamp is
// carried so the flush can stamp the remote index without re-reading the
// local index.
type batchEntry struct {
	content json.RawMessage
	deleted bool
	ts      time.Time
}

// Pusher buffers local mutations and flushes them as one batch after a
// debounce window. Enqueue and EnqueueDeletion are cheap and synchronous;
// the flush itself runs on the engine's operation chain so it never overlaps
// a reconciliation pass.
type Pusher struct {
	remote        RemoteStore
	session       SessionCheck
	debounce      time.Duration
	uploadWorkers int
	logger        *slog.Logger

	// scheduleFlush submits a flush to the operation chain. Set by the
	// engine at construction; indirection keeps the Pusher testable
	// without a chain.
	scheduleFlush func()

	mu    gosync.Mutex
	batch map[Key]batchEntry
	timer *time.Timer
}

// newPusher creates a Pusher. scheduleFlush is invoked (from the timer
// goroutine) when the debounce window elapses.
func newPusher(
	remote RemoteStore,
	session SessionCheck,
	debounce time.Duration,
	uploadWorkers int,
	logger *slog.Logger,
) *Pusher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	if uploadWorkers <= 0 {
		uploadWorkers = defaultUploadWorkers
	}

	return &Pusher{
		remote:        remote,
		session:       session,
		debounce:      debounce,
		uploadWorkers: uploadWorkers,
		logger:        logger,
		batch:         make(map[Key]batchEntry),
	}
}

// Enqueue records an upsert in the pending batch and restarts the debounce
// timer. No-op when no remote session is active: the mutation stays in the
// local index and reaches the store on the next reconciliation pass after
// login.
func (p *Pusher) Enqueue(key Key, content json.RawMessage, ts time.Time) {
	if !p.session() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.batch[key] = batchEntry{content: append(json.RawMessage(nil), content...), ts: ts}
	p.restartTimerLocked()
}

// EnqueueDeletion records a deletion marker in the pending batch and
// restarts the debounce timer.
func (p *Pusher) EnqueueDeletion(key Key, ts time.Time) {
	if !p.session() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.batch[key] = batchEntry{deleted: true, ts: ts}
	p.restartTimerLocked()
}

// restartTimerLocked cancels any outstanding timer and arms a fresh one, so
// N edits inside the window produce exactly one flush. Caller holds p.mu.
func (p *Pusher) restartTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}

	p.timer = time.AfterFunc(p.debounce, func() {
		if p.scheduleFlush != nil {
			p.scheduleFlush()
		}
	})
}

// CancelTimer stops any pending debounce timer without flushing. Callers
// that need the batch drained submit an explicit flush afterwards.
func (p *Pusher) CancelTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// PendingCount returns the number of keys waiting in the batch.
func (p *Pusher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.batch)
}

// takeBatch atomically swaps out the current batch so mutations arriving
// during the flush start a fresh one.
func (p *Pusher) takeBatch() map[Key]batchEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := p.batch
	p.batch = make(map[Key]batchEntry)

	return batch
}

// Flush pushes the pending batch to the remote store: per-entity uploads and
// deletes with bounded parallelism, then one remote-index round trip that
// stamps every batched key. Must run on the operation chain.
//
// Per-entity transfer failures are logged and skipped; the key stays
// divergent until the next flush or reconciliation pass. A remote-index
// failure fails the whole flush — the swapped-out batch is lost, but local
// state still carries every change and the next pass converges.
func (p *Pusher) Flush(ctx context.Context) error {
	batch := p.takeBatch()
	if len(batch) == 0 {
		return nil
	}

	if !p.session() {
		p.logger.Debug("flush skipped: no remote session", slog.Int("pending", len(batch)))
		return nil
	}

	p.logger.Info("flushing change batch", slog.Int("keys", len(batch)))

	p.transferBatch(ctx, batch)

	if err := p.updateRemoteIndex(ctx, batch); err != nil {
		return fmt.Errorf("sync: flushing batch: %w", err)
	}

	return nil
}

// transferBatch uploads upserts and deletes tombstoned files with bounded
// parallelism. Failures are logged and skipped.
func (p *Pusher) transferBatch(ctx context.Context, batch map[Key]batchEntry) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.uploadWorkers)

	for key, entry := range batch {
		key, entry := key, entry

		g.Go(func() error {
			var err error
			if entry.deleted {
				// Attempt-and-ignore: a failed delete leaves an orphan
				// file, but the index tombstone still wins everywhere.
				err = p.remote.Delete(gctx, key.Path())
			} else {
				err = p.remote.Upload(gctx, key.Path(), entry.content)
			}

			if err != nil {
				p.logger.Warn("batch transfer failed, key stays divergent",
					slog.String("key", string(key)),
					slog.Bool("deletion", entry.deleted),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	// Handlers never return errors; Wait only observes ctx cancellation.
	_ = g.Wait()
}

// updateRemoteIndex downloads the current remote index, applies every
// batched key's timestamp or tombstone, and uploads the result.
func (p *Pusher) updateRemoteIndex(ctx context.Context, batch map[Key]batchEntry) error {
	remoteIdx, err := downloadIndex(ctx, p.remote)
	if err != nil {
		return err
	}

	if remoteIdx == nil {
		// First flush against an empty store: start a fresh index. The
		// next full sync bootstraps anything this batch did not carry.
		remoteIdx = NewIndex()
	}

	for key, entry := range batch {
		if entry.deleted {
			remoteIdx.RecordDeletion(key, entry.ts)
		} else {
			remoteIdx.RecordUpsert(key, entry.ts)
		}
	}

	return uploadIndex(ctx, p.remote, remoteIdx)
}
