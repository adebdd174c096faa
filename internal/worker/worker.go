// Package worker consumes pool queues and drives scans end to end: instance
// selection, the remote scan lifecycle, export, validation and the terminal
// state transition.
package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/task"
	"github.com/scanopshq/scanopsd/internal/validate"
)

type Worker struct {
	cfg       *config.Config
	store     *task.Store
	queue     *queue.Queue
	registry  *registry.Registry
	validator *validate.Validator

	mu       sync.Mutex
	pools    []string       // consumed pool subset, swapped on reload
	inFlight map[string]int // per-pool, includes the acquire window

	wg sync.WaitGroup
}

func New(cfg *config.Config, store *task.Store, q *queue.Queue, reg *registry.Registry) *Worker {
	return &Worker{
		cfg:       cfg,
		store:     store,
		queue:     q,
		registry:  reg,
		validator: validate.New(cfg.Validation),
		pools:     cfg.WorkerPools(),
		inFlight:  map[string]int{},
	}
}

// Run consumes until ctx is cancelled, then drains in-flight scans for up
// to the configured shutdown grace. In-flight scans run on their own
// contexts so cancellation stops dequeuing without aborting them.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("worker: consuming pools %v", w.poolList())

	for ctx.Err() == nil {
		pools := w.eligiblePools()
		if len(pools) == 0 {
			sleepCtx(ctx, w.cfg.Worker.CapacityWait)
			continue
		}

		entry, err := w.queue.DequeueAny(ctx, pools, w.cfg.Worker.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("worker: dequeue: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if entry == nil {
			continue
		}

		w.track(entry.ScannerPool, 1)
		w.wg.Add(1)
		go func(e *queue.Entry) {
			defer w.wg.Done()
			defer w.track(e.ScannerPool, -1)
			w.processScan(e)
		}(entry)
	}

	return w.drain()
}

// Reload swaps in a new scanner topology and the pool subset this worker
// consumes. Queue and store settings are fixed for the process lifetime.
func (w *Worker) Reload(cfg *config.Config) {
	w.registry.Reload(cfg.Scanners)

	pools := cfg.WorkerPools()
	w.mu.Lock()
	w.pools = pools
	w.mu.Unlock()
	log.Printf("worker: configuration reloaded, pools %v", pools)
}

func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	grace := w.cfg.Worker.ShutdownGrace
	log.Printf("worker: shutting down, draining in-flight scans (grace %s)", grace)
	select {
	case <-done:
		log.Printf("worker: drained cleanly")
		return nil
	case <-time.After(grace):
		log.Printf("worker: drain grace expired with scans still in flight")
		return nil
	}
}

// eligiblePools is the subset of this worker's pools with at least one
// free slot, counting scans still inside the acquire window.
func (w *Worker) eligiblePools() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pools []string
	for _, pool := range w.pools {
		if !w.registry.HasPool(pool) {
			continue
		}
		if w.inFlight[pool] < w.registry.PoolCapacity(pool) {
			pools = append(pools, pool)
		}
	}
	return pools
}

func (w *Worker) poolList() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.pools...)
}

func (w *Worker) track(pool string, delta int) {
	w.mu.Lock()
	w.inFlight[pool] += delta
	if w.inFlight[pool] < 0 {
		w.inFlight[pool] = 0
	}
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
