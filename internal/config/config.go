// Package config holds the strongly-typed pipeline configuration.
// Precedence: built-in defaults < YAML file < CHAMPION_* environment
// variables < CLI flag overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/champion-data/champion/internal/errs"
)

// Config is the root configuration shared by every component.
type Config struct {
	Lake       LakeConfig       `yaml:"lake"`
	State      StateConfig      `yaml:"state"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	HTTP       HTTPConfig       `yaml:"http"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Tasks      TaskConfig       `yaml:"tasks"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LakeConfig configures the partitioned columnar lake.
type LakeConfig struct {
	BaseDir        string `yaml:"base_dir"`
	Compression    string `yaml:"compression"` // "snappy" or "zstd"
	TargetFileMiB  int    `yaml:"target_file_mib"`
	MinFileMiB     int    `yaml:"min_file_mib"`
	MaxRowsPerFile int    `yaml:"max_rows_per_file"`
}

// StateConfig configures run checkpoints, load markers, and the task cache.
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// QuarantineConfig configures validation quarantine and streaming bounds.
type QuarantineConfig struct {
	Dir        string `yaml:"dir"`
	BatchRows  int    `yaml:"batch_rows"`  // validation chunk size
	MaxSamples int    `yaml:"max_samples"` // in-memory error samples retained
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	Retries        int           `yaml:"retries"`
	UserAgent      string        `yaml:"user_agent"`
	RatePerHost    float64       `yaml:"rate_per_host"` // requests/sec per host
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"` // consecutive failures to open
	Cooldown  time.Duration `yaml:"cooldown"`  // open -> half-open probe delay
}

// WarehouseConfig configures the ClickHouse connection and load batching.
type WarehouseConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	ChunkRows int    `yaml:"chunk_rows"`
}

// TaskConfig configures the task runtime.
type TaskConfig struct {
	Parallelism int           `yaml:"parallelism"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ScheduleConfig configures cron trigger evaluation.
type ScheduleConfig struct {
	Timezone string `yaml:"timezone"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Override mutates the config after file and env resolution; used by CLI
// flags, the highest-precedence layer.
type Override func(*Config)

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Lake: LakeConfig{
			BaseDir:        "data/lake",
			Compression:    "snappy",
			TargetFileMiB:  128,
			MinFileMiB:     10,
			MaxRowsPerFile: 5_000_000,
		},
		State:      StateConfig{Dir: "data/state"},
		Quarantine: QuarantineConfig{Dir: "data/quarantine", BatchRows: 10_000, MaxSamples: 100},
		HTTP: HTTPConfig{
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    60 * time.Second,
			Retries:        3,
			UserAgent:      "champion-data/1.0 (+https://github.com/champion-data/champion)",
			RatePerHost:    2,
		},
		Breaker: BreakerConfig{Threshold: 5, Cooldown: 60 * time.Second},
		Warehouse: WarehouseConfig{
			Host:      "localhost",
			Port:      9000,
			User:      "default",
			Database:  "champion",
			ChunkRows: 100_000,
		},
		Tasks:    TaskConfig{Parallelism: 4, Timeout: 30 * time.Minute},
		Schedule: ScheduleConfig{Timezone: "Asia/Kolkata"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults, env, and overrides apply.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Wrap(errs.Config, "config.load", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.Config, "config.load", err)
		}
	}

	applyEnv(cfg)

	for _, o := range overrides {
		o(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("CHAMPION_LAKE_BASE", &cfg.Lake.BaseDir)
	envStr("CHAMPION_STATE_DIR", &cfg.State.Dir)
	envStr("CHAMPION_QUARANTINE_DIR", &cfg.Quarantine.Dir)

	envStr("CHAMPION_WAREHOUSE_HOST", &cfg.Warehouse.Host)
	envInt("CHAMPION_WAREHOUSE_PORT", &cfg.Warehouse.Port)
	envStr("CHAMPION_WAREHOUSE_USER", &cfg.Warehouse.User)
	envStr("CHAMPION_WAREHOUSE_PASSWORD", &cfg.Warehouse.Password)
	envStr("CHAMPION_WAREHOUSE_DATABASE", &cfg.Warehouse.Database)

	envDur("CHAMPION_HTTP_TIMEOUT_CONNECT", &cfg.HTTP.ConnectTimeout)
	envDur("CHAMPION_HTTP_TIMEOUT_READ", &cfg.HTTP.ReadTimeout)
	envInt("CHAMPION_HTTP_RETRIES", &cfg.HTTP.Retries)
	envInt("CHAMPION_CB_THRESHOLD", &cfg.Breaker.Threshold)
	envDur("CHAMPION_CB_COOLDOWN", &cfg.Breaker.Cooldown)

	envInt("CHAMPION_VALIDATION_BATCH_ROWS", &cfg.Quarantine.BatchRows)
	envInt("CHAMPION_VALIDATION_MAX_SAMPLES", &cfg.Quarantine.MaxSamples)

	envInt("CHAMPION_TASK_PARALLELISM", &cfg.Tasks.Parallelism)
	envDur("CHAMPION_TASK_TIMEOUT", &cfg.Tasks.Timeout)

	envStr("CHAMPION_SCHEDULE_TZ", &cfg.Schedule.Timezone)
	envStr("CHAMPION_LOG_LEVEL", &cfg.Logging.Level)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDur(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else if n, err := strconv.Atoi(v); err == nil {
			// bare numbers are seconds, matching the env contract
			*dst = time.Duration(n) * time.Second
		}
	}
}

func (c *Config) validate() error {
	if c.Lake.Compression != "snappy" && c.Lake.Compression != "zstd" {
		return errs.Newf(errs.Config, "config.validate", "unsupported compression %q", c.Lake.Compression)
	}
	if c.Tasks.Parallelism < 1 {
		return errs.New(errs.Config, "config.validate", "task parallelism must be >= 1")
	}
	if c.Warehouse.Port <= 0 || c.Warehouse.Port > 65535 {
		return errs.Newf(errs.Config, "config.validate", "warehouse port %d out of range", c.Warehouse.Port)
	}
	if c.Quarantine.BatchRows < 1 {
		return errs.New(errs.Config, "config.validate", "validation batch rows must be >= 1")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return errs.Newf(errs.Config, "config.validate", "unknown timezone %q", c.Schedule.Timezone)
	}
	return nil
}

// Location returns the schedule timezone, already validated at load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		panic(fmt.Sprintf("validated timezone failed to load: %v", err))
	}
	return loc
}
