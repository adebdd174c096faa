// Package metrics exposes the Prometheus surface. Counters are fed by the
// task events the worker publishes over Redis; gauges are read on scrape
// from the queue depths and the instance state the worker mirrors into
// Redis, so the API process can serve them without sharing memory.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/task"
)

type Metrics struct {
	registry *prometheus.Registry
	queue    *queue.Queue
	pools    func() []string

	scansTotal         *prometheus.CounterVec
	taskDuration       prometheus.Histogram
	validationTotal    *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	authFailures       *prometheus.CounterVec
	ttlDeletions       prometheus.Counter
}

// New builds an isolated metrics set. pools supplies the label universe
// for the queue-depth gauges on each scrape.
func New(q *queue.Queue, pools func() []string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queue:    q,
		pools:    pools,
		scansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scans_total",
			Help: "Scans reaching a terminal state, by scan type and outcome.",
		}, []string{"scan_type", "status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "task_duration_seconds",
			Help:    "Wall time from entering RUNNING to a terminal state.",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
		}),
		validationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validation_total",
			Help: "Result validations, by pool and verdict.",
		}, []string{"pool", "result"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "validation_failures_total",
			Help: "Failed validations, by pool and first warning reason.",
		}, []string{"pool", "reason"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Credentialed scans that did not authenticate, by pool and scan type.",
		}, []string{"pool", "scan_type"}),
		ttlDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttl_deletions_total",
			Help: "Task directories deleted by TTL housekeeping.",
		}),
	}

	m.registry.MustRegister(
		m.scansTotal,
		m.taskDuration,
		m.validationTotal,
		m.validationFailures,
		m.authFailures,
		m.ttlDeletions,
		&stateCollector{queue: q, pools: pools},
	)
	return m
}

// Handler serves the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Consume subscribes to the worker's task events and turns them into
// counter increments. Blocks until ctx is cancelled.
func (m *Metrics) Consume(ctx context.Context) {
	sub := m.queue.Client().PSubscribe(ctx, queue.EventsPattern())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event queue.TaskEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("metrics: bad event payload: %v", err)
				continue
			}
			m.record(event)
		}
	}
}

func (m *Metrics) record(event queue.TaskEvent) {
	switch event.Type {
	case queue.EventTaskUpdate:
		if !task.Status(event.Status).Terminal() {
			return
		}
		m.scansTotal.WithLabelValues(event.ScanType, event.Status).Inc()
		if event.Duration > 0 {
			m.taskDuration.Observe(event.Duration)
		}
	case queue.EventValidation:
		m.validationTotal.WithLabelValues(event.Pool, event.Result).Inc()
		if event.Result != "valid" && event.Reason != "" {
			m.validationFailures.WithLabelValues(event.Pool, event.Reason).Inc()
		}
		if event.AuthState == task.AuthStatusFailed || event.AuthState == task.AuthStatusPartial {
			m.authFailures.WithLabelValues(event.Pool, event.ScanType).Inc()
		}
	case queue.EventTTLDeletion:
		m.ttlDeletions.Inc()
	}
}

// stateCollector reads queue depths and mirrored instance state from Redis
// on every scrape.
type stateCollector struct {
	queue *queue.Queue
	pools func() []string
}

var (
	descQueueDepth = prometheus.NewDesc("pool_queue_depth",
		"Entries waiting in the pool's FIFO queue.", []string{"pool"}, nil)
	descDLQDepth = prometheus.NewDesc("pool_dlq_depth",
		"Entries parked in the pool's dead-letter queue.", []string{"pool"}, nil)
	descActiveScans = prometheus.NewDesc("active_scans",
		"Scans currently holding an instance slot, across all pools.", nil, nil)
	descInstanceActive = prometheus.NewDesc("scanner_active_scans",
		"Scans currently running on the instance.", []string{"instance"}, nil)
	descInstanceCapacity = prometheus.NewDesc("scanner_capacity",
		"Concurrent-scan capacity of the instance.", []string{"instance"}, nil)
	descInstanceUtilization = prometheus.NewDesc("scanner_utilization_pct",
		"Active scans as a percentage of instance capacity.", []string{"instance"}, nil)
	descCircuitState = prometheus.NewDesc("circuit_state",
		"Instance breaker state: 0 closed, 1 open, 2 half-open.", []string{"instance"}, nil)
)

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descQueueDepth
	ch <- descDLQDepth
	ch <- descActiveScans
	ch <- descInstanceActive
	ch <- descInstanceCapacity
	ch <- descInstanceUtilization
	ch <- descCircuitState
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, pool := range c.pools() {
		if depth, err := c.queue.Depth(ctx, pool); err == nil {
			ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(depth), pool)
		}
		if size, err := c.queue.DLQSize(ctx, pool); err == nil {
			ch <- prometheus.MustNewConstMetric(descDLQDepth, prometheus.GaugeValue, float64(size), pool)
		}
	}

	active, capacity, err := c.queue.InstanceStates(ctx)
	if err != nil {
		return
	}
	total := 0
	for key, n := range active {
		total += n
		ch <- prometheus.MustNewConstMetric(descInstanceActive, prometheus.GaugeValue, float64(n), key)
		slots := capacity[key]
		ch <- prometheus.MustNewConstMetric(descInstanceCapacity, prometheus.GaugeValue, float64(slots), key)
		var pct float64
		if slots > 0 {
			pct = float64(n) / float64(slots) * 100
		}
		ch <- prometheus.MustNewConstMetric(descInstanceUtilization, prometheus.GaugeValue, pct, key)
	}
	ch <- prometheus.MustNewConstMetric(descActiveScans, prometheus.GaugeValue, float64(total))

	if states, err := c.queue.CircuitStates(ctx); err == nil {
		for key, state := range states {
			ch <- prometheus.MustNewConstMetric(descCircuitState, prometheus.GaugeValue, float64(state), key)
		}
	}
}
