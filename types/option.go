package types

import (
	"context"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context `yaml:"-"`

	/**
	 * default: 1. The number of in-process polling worker loops. Every
	 * worker coordinates purely through the queue and the store, so
	 * additional workers can equally run in separate processes against
	 * the same backends.
	 */
	WorkerCount int `default:"1" yaml:"worker_count"`
	/**
	 * default: 16. Bounds concurrent node executions inside one worker
	 * process (the worker pool size).
	 */
	MaxNodeConcurrency int `default:"16" yaml:"max_node_concurrency"`
	/**
	 * default: true, can set it to false and caller should drive the
	 * workers by calling Engine.RunOnce() looply.
	 */
	AutoStart bool `default:"true" yaml:"auto_start"`

	PollTimeout   time.Duration `default:"1s" yaml:"poll_timeout"`
	LeaseDuration time.Duration `default:"30s" yaml:"lease_duration"`
	// DequeueRate caps tasks/second popped by one worker, 0 = unlimited.
	DequeueRate  float64 `default:"0" yaml:"dequeue_rate"`
	DequeueBurst int     `default:"1" yaml:"dequeue_burst"`

	// Retry policy defaults, overridable per node via Node.MaxAttempts.
	DefaultMaxAttempts int           `default:"3" yaml:"default_max_attempts"`
	RetryBackoff       time.Duration `default:"1s" yaml:"retry_backoff"`
	RetryBackoffMax    time.Duration `default:"1m" yaml:"retry_backoff_max"`

	// DefaultLoopLimit bounds loop-construct iterations when the node
	// does not set its own limit.
	DefaultLoopLimit int `default:"100" yaml:"default_loop_limit"`

	// ScriptTimeout is the wall-clock ceiling for one scripting-sandbox
	// invocation.
	ScriptTimeout time.Duration `default:"30s" yaml:"script_timeout"`
	// WasmMemoryPages caps a module instance's linear memory (64KiB
	// pages).
	WasmMemoryPages int `default:"64" yaml:"wasm_memory_pages"`

	/**
	 * default: false, only set it to true when doing testing or
	 * developing. Selects the in-memory store and queue backends.
	 */
	MemBackends bool `default:"false" yaml:"mem_backends"`

	// PostgresConfig selects the PostgreSQL store and queue backends.
	// Takes precedence over MemBackends when both are set.
	PostgresConfig *PostgresConfig `yaml:"postgres,omitempty"`
}

// PostgresConfig holds the connection settings shared by the postgres
// store and the postgres queue backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetWorkerCount(n int) EngineOption {
	return func(opts *EngineOptions) {
		opts.WorkerCount = n
	}
}

func SetMaxNodeConcurrency(concurrency int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxNodeConcurrency = concurrency
	}
}

func DisableAutoStart() EngineOption {
	return func(opts *EngineOptions) {
		opts.AutoStart = false
	}
}

func EnableMemBackends() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemBackends = true
	}
}

func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}

func SetLeaseDuration(d time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.LeaseDuration = d
	}
}

func SetDefaultMaxAttempts(n int) EngineOption {
	return func(opts *EngineOptions) {
		opts.DefaultMaxAttempts = n
	}
}

func SetRetryBackoff(initial, max time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.RetryBackoff = initial
		opts.RetryBackoffMax = max
	}
}

func SetDefaultLoopLimit(n int) EngineOption {
	return func(opts *EngineOptions) {
		opts.DefaultLoopLimit = n
	}
}

func SetDequeueRate(perSecond float64, burst int) EngineOption {
	return func(opts *EngineOptions) {
		opts.DequeueRate = perSecond
		opts.DequeueBurst = burst
	}
}

// WithOptionsFile overlays settings from a YAML file. Backend selection
// is deployment-time configuration, not a code-level choice.
func WithOptionsFile(path string) (EngineOption, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read options file %s", path)
	}
	fileOpts := &EngineOptions{}
	if err := yaml.Unmarshal(b, fileOpts); err != nil {
		return nil, errors.Annotatef(err, "parse options file %s", path)
	}
	// fields the file leaves unset fall back to the struct-tag defaults
	defaults.SetDefaults(fileOpts)
	return func(opts *EngineOptions) {
		ctx := opts.Ctx
		*opts = *fileOpts
		opts.Ctx = ctx
	}, nil
}
