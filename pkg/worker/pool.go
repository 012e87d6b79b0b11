// Package worker provides a bounded worker pool with non-blocking submission.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/adfront/metric"
)

// Pool runs a fixed number of workers over a bounded queue of work items of
// type T.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	busy      atomic.Int64
}

// poolMetrics are the collectors of one named pool.
type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busy           prometheus.Gauge
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetrics registers the pool's collectors with registrar. Metric names
// are prefixed with adfront_<name>_.
func WithMetrics[T any](registrar metric.MetricsRegistrar, name string) Option[T] {
	return func(p *Pool[T]) {
		if registrar == nil || name == "" {
			return
		}
		p.name = name
		p.metrics = newPoolMetrics(registrar, name)
	}
}

// newPoolMetrics builds and registers the collectors. A failed registration
// leaves the collector working but unexported.
func newPoolMetrics(registrar metric.MetricsRegistrar, name string) *poolMetrics {
	opts := func(suffix, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "adfront", Subsystem: name, Name: suffix, Help: help}
	}

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("queue_depth",
		"Work items waiting in the queue")), nil)
	busy := prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("busy_workers",
		"Workers currently processing an item")), nil)
	dropped := prometheus.NewCounterVec(prometheus.CounterOpts(opts("dropped_total",
		"Work items refused because the queue was full")), nil)
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "adfront",
		Subsystem: name,
		Name:      "processing_duration_seconds",
		Help:      "Time spent processing work items",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"status"})

	_ = registrar.RegisterGaugeVec(name, "queue_depth", queueDepth)
	_ = registrar.RegisterGaugeVec(name, "busy_workers", busy)
	_ = registrar.RegisterCounterVec(name, "dropped_total", dropped)
	_ = registrar.RegisterHistogramVec(name, "processing_duration_seconds", processingTime)

	return &poolMetrics{
		queueDepth:     queueDepth.WithLabelValues(),
		busy:           busy.WithLabelValues(),
		dropped:        dropped.WithLabelValues(),
		processingTime: processingTime,
	}
}

// NewPool creates a new worker pool. Non-positive sizes fall back to 10
// workers and a queue of 1000.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Submit queues work without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start starts the workers. Cancelling ctx stops them without draining the
// queue; Stop drains it.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop refuses new work and waits up to timeout for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}

	start := time.Now()
	err := p.processor(ctx, work)
	elapsed := time.Since(start)

	p.busy.Add(-1)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		p.failed.Add(1)
		status = "error"
	}

	if p.metrics != nil {
		p.metrics.busy.Dec()
		p.metrics.processingTime.WithLabelValues(status).Observe(elapsed.Seconds())
	}
}
