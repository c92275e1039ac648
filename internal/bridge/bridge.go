// Package bridge runs blocking vendor calls on a bounded set of worker
// goroutines so that a slow SDK cannot stall unrelated requests.
//
// A call that exceeds the bridge timeout returns domain.ErrTimeout to its
// caller immediately. The worker running it is not interrupted: it keeps its
// slot until the vendor call returns on its own, and its result is dropped.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"httptrading/internal/domain"
	"httptrading/internal/util"
)

const (
	DefaultWorkers = 16
	DefaultTimeout = 10 * time.Second
)

// Bridge bounds the number of blocking calls in flight, overall and per
// instance, so that one stuck vendor cannot occupy every worker.
type Bridge struct {
	sem         *semaphore.Weighted
	workers     int
	perInstance int
	timeout     time.Duration
	log         *slog.Logger

	mu        sync.Mutex
	instances map[string]*semaphore.Weighted

	inflight  atomic.Int64
	abandoned atomic.Int64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPerInstance caps the workers one instance may hold at once.
func WithPerInstance(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.perInstance = n
		}
	}
}

// Stats is a point-in-time view of the bridge.
type Stats struct {
	Workers     int
	PerInstance int
	InFlight    int64
	Abandoned   int64 // calls whose caller gave up, lifetime total
}

// New creates a Bridge with at most workers concurrent calls, each given
// timeout to complete. Non-positive values fall back to the defaults.
func New(workers int, timeout time.Duration, log *slog.Logger, opts ...Option) *Bridge {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		sem:         semaphore.NewWeighted(int64(workers)),
		workers:     workers,
		perInstance: workers,
		timeout:     timeout,
		log:         log,
		instances:   make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.perInstance > workers {
		b.perInstance = workers
	}
	return b
}

func (b *Bridge) instanceSem(instance string) *semaphore.Weighted {
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.instances[instance]
	if !ok {
		sem = semaphore.NewWeighted(int64(b.perInstance))
		b.instances[instance] = sem
	}
	return sem
}

// Timeout returns the per-call budget.
func (b *Bridge) Timeout() time.Duration { return b.timeout }

// Stats returns current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Workers:     b.workers,
		PerInstance: b.perInstance,
		InFlight:    b.inflight.Load(),
		Abandoned:   b.abandoned.Load(),
	}
}

type result[T any] struct {
	v   T
	err error
}

// Run executes fn on a worker and waits for it for at most the bridge
// timeout, including time spent waiting for a free worker. fn receives a
// context that is cancelled when the caller stops waiting; vendor calls that
// ignore it run to completion.
func Run[T any](ctx context.Context, b *Bridge, instance string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	isem := b.instanceSem(instance)
	if err := isem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("%w: instance has %d calls in flight after %s", domain.ErrTimeout, b.perInstance, time.Since(start).Round(time.Millisecond))
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		isem.Release(1)
		return zero, fmt.Errorf("%w: no worker free after %s", domain.ErrTimeout, time.Since(start).Round(time.Millisecond))
	}

	done := make(chan result[T], 1)
	b.inflight.Add(1)
	go func() {
		defer isem.Release(1)
		defer b.sem.Release(1)
		defer b.inflight.Add(-1)
		v, err := protect(ctx, fn)
		done <- result[T]{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		b.abandoned.Add(1)
		b.log.Warn("blocking call abandoned",
			"instance", util.Redact(instance),
			"after", time.Since(start).Round(time.Millisecond),
			"in_flight", b.inflight.Load(),
		)
		return zero, fmt.Errorf("%w: vendor call did not finish within %s", domain.ErrTimeout, b.timeout)
	}
}

// protect turns a panic in fn into an upstream error.
func protect[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: vendor call panicked: %v", domain.ErrUpstream, r)
		}
	}()
	return fn(ctx)
}

// Protect runs fn on the calling goroutine with the same panic handling as
// Run. It is used for operations that do not block.
func Protect[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	return protect(ctx, fn)
}
