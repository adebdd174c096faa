package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scanopshq/scanopsd/internal/breaker"
	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/scanner"
)

var (
	ErrUnknownPool     = errors.New("unknown scanner pool")
	ErrUnknownInstance = errors.New("unknown scanner instance")
	ErrNoCapacity      = errors.New("no scanner capacity available")
)

// Instance is one configured scanner endpoint with its live slot counter
// and circuit breaker. The breaker survives registry reloads.
type Instance struct {
	Pool    string
	ID      string
	Breaker *breaker.Breaker

	cfg      config.InstanceConfig
	active   int
	lastUsed time.Time
	enabled  bool
}

// Key is the stable "{pool}/{instance_id}" identifier.
func (i *Instance) Key() string {
	return i.Pool + "/" + i.ID
}

func (i *Instance) ScannerType() string {
	return i.cfg.ScannerType
}

func (i *Instance) MaxConcurrent() int {
	return i.cfg.MaxConcurrentScans
}

// AdapterFactory builds an adapter for an instance configuration. Tests
// swap it for mocks.
type AdapterFactory func(cfg config.InstanceConfig) scanner.Adapter

func defaultAdapterFactory(cfg config.InstanceConfig) scanner.Adapter {
	if cfg.ScannerType == "mock" {
		return scanner.NewMock()
	}
	return scanner.NewNessus(cfg.URL, cfg.Username, cfg.Password, cfg.InsecureSkipVerify)
}

// Registry tracks pools of scanner instances, their live load and their
// breakers. All selection and counter updates happen under one mutex.
type Registry struct {
	mu    sync.Mutex
	pools map[string][]*Instance

	adapterFactory AdapterFactory
	breakerOpts    []breaker.Option

	// onStateChange mirrors counter updates out (to Redis) so other
	// processes can observe load. Called outside the lock.
	onStateChange   func(instanceKey string, active, capacity int)
	onCircuitChange func(instanceKey string, state breaker.State)
}

type Option func(*Registry)

func WithAdapterFactory(factory AdapterFactory) Option {
	return func(r *Registry) { r.adapterFactory = factory }
}

func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(r *Registry) { r.breakerOpts = opts }
}

func WithStateChange(fn func(instanceKey string, active, capacity int)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

func WithCircuitChange(fn func(instanceKey string, state breaker.State)) Option {
	return func(r *Registry) { r.onCircuitChange = fn }
}

func New(scanners map[string][]config.InstanceConfig, opts ...Option) *Registry {
	r := &Registry{
		pools:          map[string][]*Instance{},
		adapterFactory: defaultAdapterFactory,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load(scanners)
	return r
}

func (r *Registry) load(scanners map[string][]config.InstanceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := map[string]*Instance{}
	for _, instances := range r.pools {
		for _, inst := range instances {
			previous[inst.Key()] = inst
		}
	}

	pools := map[string][]*Instance{}
	for pool, configs := range scanners {
		for _, cfg := range configs {
			key := pool + "/" + cfg.InstanceID
			inst, ok := previous[key]
			if !ok {
				inst = &Instance{Pool: pool, ID: cfg.InstanceID}
				instanceKey := key
				breakerOpts := append([]breaker.Option{}, r.breakerOpts...)
				if r.onCircuitChange != nil {
					breakerOpts = append(breakerOpts, breaker.WithStateChange(func(state breaker.State) {
						r.onCircuitChange(instanceKey, state)
					}))
				}
				inst.Breaker = breaker.New(breakerOpts...)
			}
			inst.cfg = cfg
			inst.enabled = cfg.IsEnabled()
			pools[pool] = append(pools[pool], inst)
		}
	}
	r.pools = pools
}

// Reload replaces the configuration without interrupting in-flight
// acquisitions: surviving instances keep their counters and breakers, and
// releases against removed instances stay safe because they operate on the
// instance itself.
func (r *Registry) Reload(scanners map[string][]config.InstanceConfig) {
	r.load(scanners)
}

// Acquire selects the enabled instance in pool with the lowest utilization
// (ties broken least-recently-used), increments its slot counter and
// returns it. A non-empty instanceID pins the selection to that instance.
func (r *Registry) Acquire(pool, instanceID string) (*Instance, error) {
	r.mu.Lock()

	instances, ok := r.pools[pool]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownPool
	}

	var best *Instance
	found := false
	for _, inst := range instances {
		if instanceID != "" && inst.ID != instanceID {
			continue
		}
		found = true
		if !inst.enabled || inst.active >= inst.cfg.MaxConcurrentScans {
			continue
		}
		if best == nil || less(inst, best) {
			best = inst
		}
	}

	if instanceID != "" && !found {
		r.mu.Unlock()
		return nil, ErrUnknownInstance
	}
	if best == nil {
		r.mu.Unlock()
		return nil, ErrNoCapacity
	}

	best.active++
	best.lastUsed = time.Now()
	active, capacity := best.active, best.cfg.MaxConcurrentScans
	r.mu.Unlock()

	r.notify(best.Key(), active, capacity)
	return best, nil
}

func less(a, b *Instance) bool {
	ua := float64(a.active) / float64(a.cfg.MaxConcurrentScans)
	ub := float64(b.active) / float64(b.cfg.MaxConcurrentScans)
	if ua != ub {
		return ua < ub
	}
	return a.lastUsed.Before(b.lastUsed)
}

// Release returns an instance slot. Safe to call for instances removed by
// a reload.
func (r *Registry) Release(inst *Instance) {
	r.mu.Lock()
	if inst.active > 0 {
		inst.active--
	}
	active, capacity := inst.active, inst.cfg.MaxConcurrentScans
	r.mu.Unlock()

	r.notify(inst.Key(), active, capacity)
}

func (r *Registry) notify(key string, active, capacity int) {
	if r.onStateChange != nil {
		r.onStateChange(key, active, capacity)
	}
}

// NewAdapter builds a fresh adapter for the instance. The caller owns it
// and must Close it.
func (r *Registry) NewAdapter(inst *Instance) scanner.Adapter {
	return r.adapterFactory(inst.cfg)
}

// Pools returns the configured pool names, sorted.
func (r *Registry) Pools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPool reports whether a pool is configured.
func (r *Registry) HasPool(pool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pools[pool]
	return ok
}

// HasInstance reports whether an instance exists in a pool.
func (r *Registry) HasInstance(pool, instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.pools[pool] {
		if inst.ID == instanceID {
			return true
		}
	}
	return false
}

// PoolCapacity is the summed max_concurrent_scans over enabled instances.
func (r *Registry) PoolCapacity(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var capacity int
	for _, inst := range r.pools[pool] {
		if inst.enabled {
			capacity += inst.cfg.MaxConcurrentScans
		}
	}
	return capacity
}

// PoolActive is the summed live slot count over enabled instances.
func (r *Registry) PoolActive(pool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active int
	for _, inst := range r.pools[pool] {
		if inst.enabled {
			active += inst.active
		}
	}
	return active
}

type InstanceStatus struct {
	InstanceID    string  `json:"instance_id"`
	ScannerType   string  `json:"scanner_type"`
	Enabled       bool    `json:"enabled"`
	ActiveScans   int     `json:"active_scans"`
	MaxConcurrent int     `json:"max_concurrent_scans"`
	Utilization   float64 `json:"utilization_pct"`
	CircuitState  string  `json:"circuit_state"`
}

type PoolStatus struct {
	Pool      string           `json:"pool"`
	Capacity  int              `json:"capacity"`
	Active    int              `json:"active_scans"`
	Instances []InstanceStatus `json:"instances"`
}

// Status returns the totals plus per-instance breakdown for a pool.
func (r *Registry) Status(pool string) (PoolStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances, ok := r.pools[pool]
	if !ok {
		return PoolStatus{}, ErrUnknownPool
	}

	status := PoolStatus{Pool: pool}
	for _, inst := range instances {
		var utilization float64
		if inst.cfg.MaxConcurrentScans > 0 {
			utilization = float64(inst.active) / float64(inst.cfg.MaxConcurrentScans) * 100
		}
		status.Instances = append(status.Instances, InstanceStatus{
			InstanceID:    inst.ID,
			ScannerType:   inst.cfg.ScannerType,
			Enabled:       inst.enabled,
			ActiveScans:   inst.active,
			MaxConcurrent: inst.cfg.MaxConcurrentScans,
			Utilization:   utilization,
			CircuitState:  inst.Breaker.State().String(),
		})
		if inst.enabled {
			status.Capacity += inst.cfg.MaxConcurrentScans
			status.Active += inst.active
		}
	}
	return status, nil
}

// Instances returns the instances of a pool, for housekeeping sweeps.
func (r *Registry) Instances(pool string) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances, ok := r.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	out := make([]*Instance, len(instances))
	copy(out, instances)
	return out, nil
}
