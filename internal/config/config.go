// Package config loads the tillsync configuration file.
//
// The file is YAML. It is decoded strictly (unknown keys fail) on top of
// Default() and validated against an embedded CUE schema, so omitted keys
// keep their defaults and present keys are range-checked.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/outbox"
	"github.com/roach88/tillsync/internal/retry"
)

//go:embed schema.cue
var schemaCUE string

// Duration is a time.Duration written as "90s" or "1h30m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full configuration.
type Config struct {
	Database     string             `yaml:"database"`
	Tenants      []string           `yaml:"tenants"`
	EntityTypes  []string           `yaml:"entity_types"`
	Order        string             `yaml:"order"`
	Interval     Duration           `yaml:"interval"`
	BatchSize    int                `yaml:"batch_size"`
	MaxBatches   int                `yaml:"max_batches"`
	PageSize     int                `yaml:"page_size"`
	LogLevel     string             `yaml:"log_level"`
	Retry        RetryConfig        `yaml:"retry"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	DLQ          DLQConfig          `yaml:"dlq"`
	Remote       RemoteConfig       `yaml:"remote"`
	Schemas      map[string]string  `yaml:"schemas"`
}

// RetryConfig configures the retry schedule.
type RetryConfig struct {
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	ConflictDelay Duration `yaml:"conflict_delay"`
	Jitter        float64  `yaml:"jitter"`
	MaxAttempts   int      `yaml:"max_attempts"`
	MaxItemAge    Duration `yaml:"max_item_age"`
	FetchRetries  int      `yaml:"fetch_retries"`
}

// BackpressureConfig configures queue bounds and partition fairness.
type BackpressureConfig struct {
	PartitionShare float64 `yaml:"partition_share"`
	HighWatermark  int     `yaml:"high_watermark"`
	MaxPending     int     `yaml:"max_pending"`
}

// DLQConfig configures the dead-letter surface.
type DLQConfig struct {
	SummaryFields []string `yaml:"summary_fields"`
	Retention     Duration `yaml:"retention"`
}

// RemoteConfig configures the HTTP client of the sync service.
type RemoteConfig struct {
	BaseURL string            `yaml:"base_url"`
	Timeout Duration          `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// Default returns the built-in configuration.
func Default() Config {
	policy := retry.DefaultPolicy()
	bp := outbox.DefaultBackpressure()
	return Config{
		Database:    "./tillsync.db",
		Tenants:     []string{"store-001"},
		EntityTypes: []string{"product", "sale", "stock_movement"},
		Order:       "pull_first",
		Interval:    Duration(5 * time.Minute),
		BatchSize:   50,
		MaxBatches:  20,
		PageSize:    200,
		LogLevel:    "info",
		Retry: RetryConfig{
			BaseDelay:     Duration(policy.BaseDelay),
			MaxDelay:      Duration(policy.MaxDelay),
			ConflictDelay: Duration(policy.ConflictDelay),
			Jitter:        policy.Jitter,
			MaxAttempts:   5,
			MaxItemAge:    Duration(policy.MaxItemAge),
			FetchRetries:  2,
		},
		Backpressure: BackpressureConfig{
			PartitionShare: bp.PartitionShare,
			HighWatermark:  bp.HighWatermark,
		},
		DLQ: DLQConfig{
			SummaryFields: append([]string(nil), outbox.DefaultSummaryFields...),
			Retention:     Duration(30 * 24 * time.Hour),
		},
		Remote: RemoteConfig{
			BaseURL: "https://sync.example.com",
			Timeout: Duration(30 * time.Second),
		},
	}
}

// Load reads and validates the file at path. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default().
// name is used in error positions.
func Parse(name string, data []byte) (Config, error) {
	if err := validate(name, data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

// validate checks the raw document against #Config.
func validate(name string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	file, err := cueyaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{File: name, Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// ValidationError reports schema violations of a config file.
type ValidationError struct {
	File    string
	Details string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.File, e.Details)
}

// check enforces constraints spanning several keys.
func (c Config) check() error {
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s",
			c.Retry.BaseDelay.Std(), c.Retry.MaxDelay.Std())
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if seen[t] {
			return fmt.Errorf("tenant %q listed twice", t)
		}
		seen[t] = true
	}
	return nil
}

// Policy converts the retry section.
func (c Config) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.BaseDelay = c.Retry.BaseDelay.Std()
	p.MaxDelay = c.Retry.MaxDelay.Std()
	p.ConflictDelay = c.Retry.ConflictDelay.Std()
	p.Jitter = c.Retry.Jitter
	p.MaxItemAge = c.Retry.MaxItemAge.Std()
	return p
}

// BackpressureSettings converts the backpressure section.
func (c Config) BackpressureSettings() outbox.Backpressure {
	return outbox.Backpressure{
		PartitionShare: c.Backpressure.PartitionShare,
		HighWatermark:  c.Backpressure.HighWatermark,
	}
}

// QueueOptions returns the outbox options the configuration implies.
// Schemas are loaded separately with SchemaRegistry.
func (c Config) QueueOptions() []outbox.Option {
	return []outbox.Option{
		outbox.WithPolicy(c.Policy()),
		outbox.WithMaxPending(c.Backpressure.MaxPending),
		outbox.WithMaxAttempts(c.Retry.MaxAttempts),
		outbox.WithSummaryFields(c.DLQ.SummaryFields...),
	}
}

// SchemaRegistry compiles the configured payload schemas.
func (c Config) SchemaRegistry() (*outbox.SchemaRegistry, error) {
	reg := outbox.NewSchemaRegistry()
	for entityType, path := range c.Schemas {
		if err := reg.RegisterFile(entityType, path); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
