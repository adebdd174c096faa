package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir     string `yaml:"data_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	DefaultPool string `yaml:"default_pool"`

	Redis        RedisConfig        `yaml:"redis"`
	API          APIConfig          `yaml:"api"`
	Worker       WorkerConfig       `yaml:"worker"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Validation   ValidationConfig   `yaml:"validation"`

	// Scanners maps pool name to its scanner instances. The pool is the
	// queue-isolation boundary: instances never serve another pool's tasks.
	Scanners map[string][]InstanceConfig `yaml:"scanners"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type APIConfig struct {
	Token              string `yaml:"token"`
	TokenHeader        string `yaml:"token_header"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type WorkerConfig struct {
	// Pools restricts which pools this worker consumes. Entries are
	// doublestar patterns ("nessus*"); empty means all configured pools.
	Pools []string `yaml:"pools"`

	DequeueTimeout     time.Duration `yaml:"dequeue_timeout"`
	CapacityWait       time.Duration `yaml:"capacity_wait"`
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type HousekeepingConfig struct {
	Schedule          string        `yaml:"schedule"` // cron expression
	CompletedTTL      time.Duration `yaml:"completed_ttl"`
	FailedTTL         time.Duration `yaml:"failed_ttl"`
	StaleRunningAfter time.Duration `yaml:"stale_running_after"`
	RemoteCleanup     bool          `yaml:"remote_cleanup"`
	RemoteScanMaxAge  time.Duration `yaml:"remote_scan_max_age"`
}

type ValidationConfig struct {
	// Diagnostic plugin IDs indicating local-check (credentialed) success
	// and failure. Overridable per deployment.
	AuthSuccessPluginIDs []int `yaml:"auth_success_plugin_ids"`
	AuthFailurePluginIDs []int `yaml:"auth_failure_plugin_ids"`
}

type InstanceConfig struct {
	InstanceID         string `yaml:"instance_id"`
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ScannerType        string `yaml:"scanner_type"` // "nessus" or "mock"
	Enabled            *bool  `yaml:"enabled"`
	MaxConcurrentScans int    `yaml:"max_concurrent_scans"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

func (i InstanceConfig) IsEnabled() bool {
	return i.Enabled == nil || *i.Enabled
}

const (
	minDequeueTimeout = time.Second
	minScanTimeout    = time.Minute
)

var poolNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return applyDefaults(cfg)
}

func defaults() *Config {
	return &Config{
		DataDir:     "./data",
		ListenAddr:  ":8080",
		DefaultPool: "nessus",
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		API: APIConfig{
			TokenHeader:        "X-API-Token",
			RateLimitPerMinute: 120,
		},
		Worker: WorkerConfig{
			DequeueTimeout:     5 * time.Second,
			CapacityWait:       time.Second,
			StatusPollInterval: 30 * time.Second,
			ScanTimeout:        24 * time.Hour,
			ShutdownGrace:      10 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			TTL: 48 * time.Hour,
		},
		Housekeeping: HousekeepingConfig{
			Schedule:          "@hourly",
			CompletedTTL:      7 * 24 * time.Hour,
			FailedTTL:         30 * 24 * time.Hour,
			StaleRunningAfter: 24 * time.Hour,
			RemoteScanMaxAge:  30 * 24 * time.Hour,
		},
		Validation: ValidationConfig{
			// Vendor diagnostic plugins: credential status, local checks
			// succeeded / not run, insufficient privilege.
			AuthSuccessPluginIDs: []int{141118, 97993, 110095},
			AuthFailurePluginIDs: []int{21745, 104410, 110385},
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SCANOPSD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SCANOPSD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SCANOPSD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("SCANOPSD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SCANOPSD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SCANOPSD_DEFAULT_POOL"); v != "" {
		cfg.DefaultPool = v
	}
	if v := os.Getenv("SCANOPSD_WORKER_POOLS"); v != "" {
		cfg.Worker.Pools = splitAndTrim(v)
	}
	if v := os.Getenv("SCANOPSD_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Idempotency.TTL = d
		}
	}
	if v := os.Getenv("SCANOPSD_HOUSEKEEPING_SCHEDULE"); v != "" {
		cfg.Housekeeping.Schedule = v
	}
	if v := os.Getenv("SCANOPSD_STALE_RUNNING_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Housekeeping.StaleRunningAfter = d
		}
	}
	if v := os.Getenv("SCANOPSD_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DefaultPool == "" {
		cfg.DefaultPool = "nessus"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.API.TokenHeader == "" {
		cfg.API.TokenHeader = "X-API-Token"
	}
	if cfg.API.RateLimitPerMinute <= 0 {
		cfg.API.RateLimitPerMinute = 120
	}
	if cfg.Worker.DequeueTimeout == 0 {
		cfg.Worker.DequeueTimeout = 5 * time.Second
	}
	if cfg.Worker.DequeueTimeout < minDequeueTimeout {
		return nil, fmt.Errorf("worker.dequeue_timeout must be at least %s", minDequeueTimeout)
	}
	if cfg.Worker.CapacityWait <= 0 {
		cfg.Worker.CapacityWait = time.Second
	}
	if cfg.Worker.StatusPollInterval <= 0 {
		cfg.Worker.StatusPollInterval = 30 * time.Second
	}
	if cfg.Worker.ScanTimeout == 0 {
		cfg.Worker.ScanTimeout = 24 * time.Hour
	}
	if cfg.Worker.ScanTimeout < minScanTimeout {
		return nil, fmt.Errorf("worker.scan_timeout must be at least %s", minScanTimeout)
	}
	if cfg.Worker.ShutdownGrace <= 0 {
		cfg.Worker.ShutdownGrace = 10 * time.Minute
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 48 * time.Hour
	}
	if cfg.Housekeeping.Schedule == "" {
		cfg.Housekeeping.Schedule = "@hourly"
	}
	if cfg.Housekeeping.CompletedTTL <= 0 {
		cfg.Housekeeping.CompletedTTL = 7 * 24 * time.Hour
	}
	if cfg.Housekeeping.FailedTTL <= 0 {
		cfg.Housekeeping.FailedTTL = 30 * 24 * time.Hour
	}
	if cfg.Housekeeping.StaleRunningAfter <= 0 {
		cfg.Housekeeping.StaleRunningAfter = 24 * time.Hour
	}
	if cfg.Housekeeping.RemoteScanMaxAge <= 0 {
		cfg.Housekeeping.RemoteScanMaxAge = 30 * 24 * time.Hour
	}
	if len(cfg.Validation.AuthSuccessPluginIDs) == 0 {
		cfg.Validation.AuthSuccessPluginIDs = defaults().Validation.AuthSuccessPluginIDs
	}
	if len(cfg.Validation.AuthFailurePluginIDs) == 0 {
		cfg.Validation.AuthFailurePluginIDs = defaults().Validation.AuthFailurePluginIDs
	}

	if err := validateScanners(cfg.Scanners); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateScanners(pools map[string][]InstanceConfig) error {
	seen := map[string]struct{}{}
	for pool, instances := range pools {
		if !poolNamePattern.MatchString(pool) {
			return fmt.Errorf("invalid pool name %q", pool)
		}
		for i := range instances {
			inst := &instances[i]
			source := fmt.Sprintf("scanners.%s[%d]", pool, i)
			if inst.InstanceID == "" {
				return fmt.Errorf("%s: instance_id is required", source)
			}
			if !poolNamePattern.MatchString(inst.InstanceID) {
				return fmt.Errorf("%s: invalid instance_id %q", source, inst.InstanceID)
			}
			key := pool + "/" + inst.InstanceID
			if _, ok := seen[key]; ok {
				return fmt.Errorf("%s: duplicate instance_id %q in pool %q", source, inst.InstanceID, pool)
			}
			seen[key] = struct{}{}
			if inst.ScannerType == "" {
				inst.ScannerType = "nessus"
			}
			if inst.ScannerType != "nessus" && inst.ScannerType != "mock" {
				return fmt.Errorf("%s: unknown scanner_type %q", source, inst.ScannerType)
			}
			if inst.ScannerType == "nessus" && inst.URL == "" {
				return fmt.Errorf("%s: url is required", source)
			}
			if inst.MaxConcurrentScans <= 0 {
				inst.MaxConcurrentScans = 1
			}
		}
	}
	return nil
}

// PoolNames returns the configured pool names, sorted.
func (c *Config) PoolNames() []string {
	names := make([]string, 0, len(c.Scanners))
	for name := range c.Scanners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerPools resolves worker.pools patterns against the configured pools.
func (c *Config) WorkerPools() []string {
	all := c.PoolNames()
	if len(c.Worker.Pools) == 0 {
		return all
	}
	var out []string
	for _, name := range all {
		for _, pattern := range c.Worker.Pools {
			if ok, err := doublestar.Match(pattern, name); err == nil && ok {
				out = append(out, name)
				break
			}
		}
	}
	return out
}
