package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
)

// chainQueueDepth bounds how many operations can wait in the chain before
// Submit blocks. Deep backlogs indicate a stuck remote; blocking the
// producer is preferable to unbounded growth.
const chainQueueDepth = 64

// ErrChainClosed is returned for operations submitted after Stop.
var ErrChainClosed = errors.New("sync: operation chain closed")

// chainOp is one queued closure plus the channel its result is delivered on.
type chainOp struct {
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// opChain serializes reconciliation-class operations: full syncs, force
// uploads, force downloads, and batch flushes all run strictly one at a
// time in submission order on a single consumer goroutine. This is the only
// mutual-exclusion mechanism the engine needs; index and snapshot mutation
// happens exclusively inside chained operations or synchronously in the
// caller before submission.
type opChain struct {
	ops    chan chainOp
	logger *slog.Logger

	mu      gosync.Mutex
	closed  bool
	senders gosync.WaitGroup

	drained chan struct{}
}

// newOpChain creates the chain and starts its consumer goroutine.
func newOpChain(logger *slog.Logger) *opChain {
	if logger == nil {
		logger = slog.Default()
	}

	c := &opChain{
		ops:     make(chan chainOp, chainQueueDepth),
		logger:  logger,
		drained: make(chan struct{}),
	}

	go c.run()

	return c
}

// run is the single consumer. Each operation runs to completion before the
// next starts; operations are never canceled mid-flight.
func (c *opChain) run() {
	defer close(c.drained)

	for op := range c.ops {
		c.logger.Debug("chain: operation starting", slog.String("op", op.name))

		err := op.fn(context.Background())
		if err != nil {
			c.logger.Debug("chain: operation failed",
				slog.String("op", op.name),
				slog.String("error", err.Error()),
			)
		}

		op.done <- err
	}
}

// enqueue registers the caller as a sender and queues the operation.
// Returns ErrChainClosed after Stop, or the context error if ctx is
// canceled while waiting for a queue slot.
func (c *opChain) enqueue(ctx context.Context, op chainOp) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChainClosed
	}

	c.senders.Add(1)
	c.mu.Unlock()

	defer c.senders.Done()

	select {
	case <-ctx.Done():
		return fmt.Errorf("sync: waiting for operation chain: %w", ctx.Err())
	case c.ops <- op:
		return nil
	}
}

// Submit enqueues fn and blocks until it has run, returning its error.
func (c *opChain) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	op := chainOp{name: name, fn: fn, done: make(chan error, 1)}

	if err := c.enqueue(ctx, op); err != nil {
		return err
	}

	return <-op.done
}

// SubmitAsync enqueues fn without waiting for the result. Used by the
// debounce timer, which has no caller to report to; failures are the
// operation's own responsibility to log. Returns false after Stop.
func (c *opChain) SubmitAsync(name string, fn func(ctx context.Context) error) bool {
	op := chainOp{name: name, fn: fn, done: make(chan error, 1)}

	if err := c.enqueue(context.Background(), op); err != nil {
		return false
	}

	go func() { <-op.done }()

	return true
}

// Stop rejects new submissions, then waits for in-flight senders and queued
// operations to drain before returning.
func (c *opChain) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.drained

		return
	}

	c.closed = true
	c.mu.Unlock()

	// No new senders can register once closed is set; once the last
	// in-flight sender finishes, closing ops is safe.
	c.senders.Wait()
	close(c.ops)
	<-c.drained
}
