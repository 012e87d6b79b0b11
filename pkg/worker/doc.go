// Package worker provides a generic worker pool with a bounded queue.
//
// Submit never blocks: when the queue is full it returns ErrQueueFull, which
// callers treat as backpressure. The gateway runs every sub-operation on a
// pool sized by gateway.max_subrequests, so a refused Submit is the host
// refusing to issue the sub-operation.
//
//	pool := worker.NewPool(64, 64, func(ctx context.Context, t *task) error {
//	    return t.run(ctx)
//	}, worker.WithMetrics[*task](registry, "subrequests"))
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Statistics are always tracked with atomics (Stats); Prometheus collectors
// are optional and labelled by pool name.
//
// Stop closes the queue and waits for workers to drain it. Cancelling the
// context passed to Start stops workers immediately and leaves queued items
// unprocessed.
package worker
