package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/juholehto/taskvault/internal/remote"
)

// Notification loop timing.
const (
	// longpollTimeout is the bounded server-side wait per longpoll call.
	longpollTimeout = 60 * time.Second
	// notifyBaseBackoff is the initial sleep after a loop error.
	notifyBaseBackoff = 5 * time.Second
	// notifyMaxBackoff caps the error backoff.
	notifyMaxBackoff = 5 * time.Minute
)

// Watcher is the background change-notification loop: it blocks on the
// store's longpoll primitive and triggers an incremental pull whenever the
// remote folder tree changes. It is start/stop-able; starting twice is a
// no-op, and stopping is cooperative — the loop observes the stop signal at
// its next blocking-call boundary (an in-flight longpoll is bounded by its
// own timeout, so no forced cancellation is needed).
type Watcher struct {
	remote  RemoteStore
	session SessionCheck
	logger  *slog.Logger

	// pull runs one incremental pull on the operation chain and reports
	// whether anything changed locally. Wired by the Engine.
	pull func(ctx context.Context) (bool, error)
	// onChange notifies the owning layer after a pull applied changes.
	onChange func()

	// pollTimeout is the server-side longpoll wait; tests shorten it.
	pollTimeout time.Duration
	// baseBackoff and maxBackoff bound the error backoff; tests shorten them.
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu      gosync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// newWatcher creates a stopped Watcher.
func newWatcher(
	remoteStore RemoteStore,
	session SessionCheck,
	pull func(ctx context.Context) (bool, error),
	onChange func(),
	logger *slog.Logger,
) *Watcher {
	return &Watcher{
		remote:      remoteStore,
		session:     session,
		pull:        pull,
		onChange:    onChange,
		pollTimeout: longpollTimeout,
		baseBackoff: notifyBaseBackoff,
		maxBackoff:  notifyMaxBackoff,
		logger:      logger,
	}
}

// Start launches the notification loop. No-op if already running.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	go w.run(w.stop, w.done)

	w.logger.Info("change notification loop started")
}

// Stop signals the loop to exit at its next blocking-call boundary and waits
// for it to finish. No-op if not running.
func (w *Watcher) Stop() {
	w.mu.Lock()

	if !w.running {
		w.mu.Unlock()
		return
	}

	w.running = false
	stop, done := w.stop, w.done
	close(stop)
	w.mu.Unlock()

	<-done

	w.logger.Info("change notification loop stopped")
}

// Running reports whether the loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.running
}

// run is the loop body. State is one optional cursor; every error path
// discards it and backs off before retrying.
func (w *Watcher) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx := context.Background()

	var cursor string

	backoff := w.baseBackoff

	for {
		select {
		case <-stop:
			return
		default:
		}

		if !w.session() {
			// Signed out mid-loop: idle until stopped or signed in again.
			if !w.sleepOrStop(ctx, stop, w.baseBackoff) {
				return
			}

			continue
		}

		if cursor == "" {
			fresh, err := w.remote.LatestCursor(ctx)
			if err != nil {
				w.logger.Warn("cursor fetch failed, retrying",
					slog.String("error", err.Error()),
					slog.Duration("backoff", backoff),
				)

				if !w.sleepOrStop(ctx, stop, backoff) {
					return
				}

				backoff = w.nextBackoff(backoff)

				continue
			}

			cursor = fresh
			backoff = w.baseBackoff
		}

		changed, err := w.remote.Longpoll(ctx, cursor, w.pollTimeout)

		switch {
		case errors.Is(err, remote.ErrBadCursor):
			w.logger.Info("change cursor invalidated, refreshing")

			cursor = ""

			if !w.sleepOrStop(ctx, stop, w.baseBackoff) {
				return
			}

		case err != nil:
			w.logger.Warn("longpoll failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			cursor = ""

			if !w.sleepOrStop(ctx, stop, backoff) {
				return
			}

			backoff = w.nextBackoff(backoff)

		case changed:
			// Take a fresh cursor before pulling so changes made during
			// the pull wake the next longpoll rather than being absorbed
			// silently.
			cursor = w.refreshCursor(ctx)
			backoff = w.baseBackoff

			w.runPull(ctx)

		default:
			// Timeout with no changes. Refresh the cursor anyway: the
			// store may advance a cursor lazily, and a stale one can
			// miss a delayed advance.
			cursor = w.refreshCursor(ctx)
			backoff = w.baseBackoff
		}
	}
}

// refreshCursor fetches a fresh cursor, returning "" on failure so the next
// iteration retries.
func (w *Watcher) refreshCursor(ctx context.Context) string {
	cursor, err := w.remote.LatestCursor(ctx)
	if err != nil {
		w.logger.Warn("cursor refresh failed", slog.String("error", err.Error()))
		return ""
	}

	return cursor
}

// runPull executes one incremental pull and fires the change callback when
// it applied anything. Pull failures are background noise: logged, never
// surfaced.
func (w *Watcher) runPull(ctx context.Context) {
	changed, err := w.pull(ctx)
	if err != nil {
		w.logger.Warn("incremental pull failed", slog.String("error", err.Error()))
		return
	}

	if changed && w.onChange != nil {
		w.onChange()
	}
}

// sleepOrStop waits d, returning false if the stop signal arrives first.
func (w *Watcher) sleepOrStop(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextBackoff doubles the backoff up to the cap.
func (w *Watcher) nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > w.maxBackoff {
		return w.maxBackoff
	}

	return d
}
