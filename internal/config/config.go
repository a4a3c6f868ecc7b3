// Package config loads the agentos configuration file (JSON5 or YAML) and
// converts it into the settings of the kernel and its storage.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/agentos/internal/contextmgr"
	"github.com/nextlevelbuilder/agentos/internal/cron"
	"github.com/nextlevelbuilder/agentos/internal/eviction"
	"github.com/nextlevelbuilder/agentos/internal/kernel"
	"github.com/nextlevelbuilder/agentos/internal/quota"
	"github.com/nextlevelbuilder/agentos/internal/scheduler"
	"github.com/nextlevelbuilder/agentos/internal/store"
	"github.com/nextlevelbuilder/agentos/internal/store/archive"
	"github.com/nextlevelbuilder/agentos/internal/tokens"
	"github.com/nextlevelbuilder/agentos/internal/tracing/otelexport"
)

// Environment overrides.
const (
	EnvConfigPath  = "AGENTOS_CONFIG"
	EnvPostgresDSN = "AGENTOS_POSTGRES_DSN"
	EnvRedisAddr   = "AGENTOS_REDIS_ADDR"
)

// DefaultPath is used when neither --config nor AGENTOS_CONFIG is set.
const DefaultPath = "agentos.json5"

// Config is the root of the configuration file.
type Config struct {
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Context   ContextConfig   `json:"context" yaml:"context"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Quota     QuotaConfig     `json:"quota" yaml:"quota"`
	Kernel    KernelConfig    `json:"kernel" yaml:"kernel"`
	Archive   archive.Config  `json:"archive" yaml:"archive"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// StorageConfig selects the storage backends.
type StorageConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // memory, sqlite or postgres
	SQLitePath    string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	PostgresDSN   string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	VectorEnabled bool   `json:"vector_enabled,omitempty" yaml:"vector_enabled,omitempty"`
	EmbeddingDims int    `json:"embedding_dims,omitempty" yaml:"embedding_dims,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"` // coordination role on Redis
}

// ContextConfig sizes the context window and tunes eviction.
type ContextConfig struct {
	Budget            int      `json:"budget" yaml:"budget"`
	TokenCounter      string   `json:"token_counter,omitempty" yaml:"token_counter,omitempty"`
	LayoutHistory     int      `json:"layout_history,omitempty" yaml:"layout_history,omitempty"`
	HalfLife          Duration `json:"half_life,omitempty" yaml:"half_life,omitempty"`
	ImportanceDamping float64  `json:"importance_damping,omitempty" yaml:"importance_damping,omitempty"`
	PinThreshold      float64  `json:"pin_threshold,omitempty" yaml:"pin_threshold,omitempty"`
}

// SchedulerConfig holds the scheduling constants.
type SchedulerConfig struct {
	TimeSlice             Duration `json:"time_slice,omitempty" yaml:"time_slice,omitempty"`
	PreemptMargin         int      `json:"preempt_margin,omitempty" yaml:"preempt_margin,omitempty"`
	UsageShare            float64  `json:"usage_share,omitempty" yaml:"usage_share,omitempty"`
	WaitTimeout           Duration `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`
	MaxErrors             int      `json:"max_errors,omitempty" yaml:"max_errors,omitempty"`
	CheckpointConcurrency int      `json:"checkpoint_concurrency,omitempty" yaml:"checkpoint_concurrency,omitempty"`
	ChannelCap            int      `json:"channel_cap,omitempty" yaml:"channel_cap,omitempty"`
	ChannelDrop           string   `json:"channel_drop,omitempty" yaml:"channel_drop,omitempty"` // "old" or "new"
}

// QuotaConfig holds the windowed model-call budget.
type QuotaConfig struct {
	MaxTokensPerWindow  int      `json:"max_tokens_per_window,omitempty" yaml:"max_tokens_per_window,omitempty"`
	MaxCallsPerWindow   int      `json:"max_calls_per_window,omitempty" yaml:"max_calls_per_window,omitempty"`
	MaxTokensPerRequest int      `json:"max_tokens_per_request,omitempty" yaml:"max_tokens_per_request,omitempty"`
	Window              Duration `json:"window,omitempty" yaml:"window,omitempty"`
	PerProcessShare     float64  `json:"per_process_share,omitempty" yaml:"per_process_share,omitempty"`
}

// KernelConfig tunes the run loop.
type KernelConfig struct {
	MaxIterations     int          `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	StepsPerSecond    float64      `json:"steps_per_second,omitempty" yaml:"steps_per_second,omitempty"`
	Burst             int          `json:"burst,omitempty" yaml:"burst,omitempty"`
	IdleSleep         Duration     `json:"idle_sleep,omitempty" yaml:"idle_sleep,omitempty"`
	StepTimeout       Duration     `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	ShutdownTimeout   Duration     `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	AutoCheckpoint    string       `json:"auto_checkpoint,omitempty" yaml:"auto_checkpoint,omitempty"` // "10m" or "*/5 * * * *"
	HeartbeatInterval Duration     `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	SpawnQueue        string       `json:"spawn_queue,omitempty" yaml:"spawn_queue,omitempty"`
	QueuePoll         Duration     `json:"queue_poll,omitempty" yaml:"queue_poll,omitempty"`
	WorkingImportance float64      `json:"working_importance,omitempty" yaml:"working_importance,omitempty"`
	AuditLimit        int          `json:"audit_limit,omitempty" yaml:"audit_limit,omitempty"`
	EventBuffer       int          `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty"`
	StorageRetries    int          `json:"storage_retries,omitempty" yaml:"storage_retries,omitempty"`
	Tools             []ToolConfig `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// ToolConfig describes a tool listed on every process's tools page.
type ToolConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TelemetryConfig enables OTLP trace export (binaries built with -tags otel).
type TelemetryConfig struct {
	Enabled           bool `json:"enabled" yaml:"enabled"`
	otelexport.Config `yaml:",inline"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	kd := kernel.DefaultConfig()
	sd := scheduler.DefaultConfig()
	qd := quota.DefaultConfig()
	pd := eviction.DefaultPolicy()
	return &Config{
		Storage: StorageConfig{Backend: store.BackendMemory},
		Context: ContextConfig{
			Budget:            kd.Context.Budget,
			TokenCounter:      "heuristic",
			LayoutHistory:     kd.Context.LayoutHistory,
			HalfLife:          Duration(pd.HalfLife),
			ImportanceDamping: pd.ImportanceDamping,
			PinThreshold:      pd.PinThreshold,
		},
		Scheduler: SchedulerConfig{
			TimeSlice:             Duration(sd.TimeSlice),
			PreemptMargin:         sd.PreemptMargin,
			UsageShare:            sd.UsageShare,
			WaitTimeout:           Duration(sd.WaitTimeout),
			MaxErrors:             sd.MaxErrors,
			CheckpointConcurrency: sd.CheckpointConcurrency,
			ChannelCap:            sd.Channel.Cap,
			ChannelDrop:           string(sd.Channel.Drop),
		},
		Quota: QuotaConfig{
			MaxTokensPerWindow:  qd.MaxTokensPerWindow,
			MaxCallsPerWindow:   qd.MaxCallsPerWindow,
			MaxTokensPerRequest: qd.MaxTokensPerRequest,
			Window:              Duration(qd.Window),
			PerProcessShare:     qd.PerProcessShare,
		},
		Kernel: KernelConfig{
			Burst:             kd.Burst,
			IdleSleep:         Duration(kd.IdleSleep),
			ShutdownTimeout:   Duration(kd.ShutdownTimeout),
			QueuePoll:         Duration(kd.QueuePoll),
			WorkingImportance: kd.WorkingImportance,
			AuditLimit:        kd.AuditLimit,
			EventBuffer:       kd.EventBuffer,
			StorageRetries:    kd.StorageRetry.MaxRetries,
		},
		Telemetry: TelemetryConfig{
			Config: otelexport.Config{Protocol: "grpc", ServiceName: "agentos"},
		},
	}
}

// Load reads path over Default. A missing file yields the defaults.
// Files ending in .yaml or .yml are YAML; anything else is JSON5.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := Parse(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data into cfg. ext selects the format (".yaml", ".yml" or JSON5).
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

// ResolvePath returns flagPath, then $AGENTOS_CONFIG, then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		c.Storage.PostgresDSN = dsn
		if c.Storage.Backend == "" || c.Storage.Backend == store.BackendMemory {
			c.Storage.Backend = store.BackendPostgres
		}
	}
	if addr := os.Getenv(EnvRedisAddr); addr != "" {
		c.Storage.RedisAddr = addr
	}
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", store.BackendMemory:
	case store.BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	case store.BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn (or %s) is required for the postgres backend", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Context.Budget < 0 {
		return fmt.Errorf("context.budget must not be negative")
	}
	if c.Context.ImportanceDamping < 0 || c.Context.ImportanceDamping > 1 {
		return fmt.Errorf("context.importance_damping must be within [0, 1]")
	}
	switch scheduler.DropPolicy(c.Scheduler.ChannelDrop) {
	case "", scheduler.DropOld, scheduler.DropNew:
	default:
		return fmt.Errorf("scheduler.channel_drop must be %q or %q", scheduler.DropOld, scheduler.DropNew)
	}
	if c.Kernel.AutoCheckpoint != "" {
		if _, err := cron.ParseSchedule(c.Kernel.AutoCheckpoint); err != nil {
			return fmt.Errorf("kernel.auto_checkpoint: %w", err)
		}
	}
	for i, t := range c.Kernel.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("kernel.tools[%d]: name is empty", i)
		}
	}
	if c.Kernel.SpawnQueue != "" && NormalizeName(c.Kernel.SpawnQueue) != c.Kernel.SpawnQueue {
		return fmt.Errorf("kernel.spawn_queue %q is not a valid queue name (try %q)",
			c.Kernel.SpawnQueue, NormalizeName(c.Kernel.SpawnQueue))
	}
	return nil
}

// StoreConfig returns the storage settings for composite.Open.
func (c *Config) StoreConfig() store.StoreConfig {
	return store.StoreConfig{
		Backend:       c.Storage.Backend,
		PostgresDSN:   c.Storage.PostgresDSN,
		SQLitePath:    c.Storage.SQLitePath,
		VectorEnabled: c.Storage.VectorEnabled,
		EmbeddingDims: c.Storage.EmbeddingDims,
		RedisAddr:     c.Storage.RedisAddr,
	}
}

// KernelConfig converts the file settings into kernel settings. Zero values
// fall back to the kernel defaults.
func (c *Config) KernelConfig() (kernel.Config, error) {
	counter, err := tokens.New(c.Context.TokenCounter)
	if err != nil {
		return kernel.Config{}, err
	}
	kc := kernel.DefaultConfig()
	kc.Context = contextmgr.Config{
		Budget:        c.Context.Budget,
		Counter:       counter,
		LayoutHistory: c.Context.LayoutHistory,
		Policy: eviction.Policy{
			HalfLife:          c.Context.HalfLife.Std(),
			ImportanceDamping: c.Context.ImportanceDamping,
			PinThreshold:      c.Context.PinThreshold,
		},
	}
	kc.Scheduler = scheduler.Config{
		TimeSlice:             c.Scheduler.TimeSlice.Std(),
		PreemptMargin:         c.Scheduler.PreemptMargin,
		UsageShare:            c.Scheduler.UsageShare,
		WaitTimeout:           c.Scheduler.WaitTimeout.Std(),
		MaxErrors:             c.Scheduler.MaxErrors,
		CheckpointConcurrency: c.Scheduler.CheckpointConcurrency,
		Channel: scheduler.ChannelConfig{
			Cap:  c.Scheduler.ChannelCap,
			Drop: scheduler.DropPolicy(c.Scheduler.ChannelDrop),
		},
	}
	kc.Quota = quota.Config{
		MaxTokensPerWindow:  c.Quota.MaxTokensPerWindow,
		MaxCallsPerWindow:   c.Quota.MaxCallsPerWindow,
		MaxTokensPerRequest: c.Quota.MaxTokensPerRequest,
		Window:              c.Quota.Window.Std(),
		PerProcessShare:     c.Quota.PerProcessShare,
	}

	k := c.Kernel
	kc.MaxIterations = k.MaxIterations
	kc.StepsPerSecond = k.StepsPerSecond
	kc.Burst = k.Burst
	kc.IdleSleep = k.IdleSleep.Std()
	kc.StepTimeout = k.StepTimeout.Std()
	kc.ShutdownTimeout = k.ShutdownTimeout.Std()
	kc.AutoCheckpoint = k.AutoCheckpoint
	kc.HeartbeatInterval = k.HeartbeatInterval.Std()
	kc.SpawnQueue = k.SpawnQueue
	kc.QueuePoll = k.QueuePoll.Std()
	kc.WorkingImportance = k.WorkingImportance
	kc.AuditLimit = k.AuditLimit
	kc.EventBuffer = k.EventBuffer
	kc.StorageRetry.MaxRetries = max(k.StorageRetries, 0)
	for _, t := range k.Tools {
		kc.Tools = append(kc.Tools, kernel.Tool{Name: t.Name, Description: t.Description})
	}
	return kc, nil
}

// Duration is a time.Duration that reads "30s" style strings as well as
// integer nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json5.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json5.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or nanoseconds: %s", data)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration at line %d: %w", node.Line, err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
