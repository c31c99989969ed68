// Package config loads sqfstream settings.
//
// Settings start from Defaults, are overlaid by an optional YAML file and then
// by SQF_* environment variables. The merged result is checked against the
// embedded CUE schema before use.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sqfstream/internal/matching"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override, e.g. SQF_LOG_LEVEL.
const EnvPrefix = "SQF"

// ErrInvalid wraps every schema violation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the merged sqfstream configuration.
type Config struct {
	Matching    MatchingConfig    `yaml:"matching"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Plan        PlanConfig        `yaml:"plan"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Journal     JournalConfig     `yaml:"journal"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Gas         GasConfig         `yaml:"gas"`
}

// MatchingConfig holds the pool contract's scaling constants as decimal strings.
type MatchingConfig struct {
	Scale string `yaml:"scale"`
	K     string `yaml:"k"`
}

// EligibilityConfig sets the matching score threshold and how long scores are cached.
type EligibilityConfig struct {
	MinScore int64         `yaml:"minScore" split_words:"true"`
	CacheTTL time.Duration `yaml:"cacheTTL" split_words:"true"`
}

// PlanConfig holds plan building defaults.
type PlanConfig struct {
	// Operator is the strategy address granted flow permissions.
	Operator string `yaml:"operator"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	// StepTimeout bounds each step's confirmation wait. Zero disables it.
	StepTimeout time.Duration `yaml:"stepTimeout" split_words:"true"`
}

// JournalConfig locates the session journal. Path defaults to ":memory:".
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LogConfig selects the slog level and handler format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig names the Prometheus namespace of executor metrics.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// GasConfig sets the gas sufficiency threshold.
type GasConfig struct {
	// MinBalance is the native balance, in atomic units, below which
	// quotes warn that gas may run out.
	MinBalance string `yaml:"minBalance" split_words:"true"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Matching: MatchingConfig{
			Scale: big.NewInt(matching.DefaultScale).String(),
			K:     big.NewInt(matching.DefaultK).String(),
		},
		Eligibility: EligibilityConfig{
			MinScore: 0,
			CacheTTL: 5 * time.Minute,
		},
		Executor: ExecutorConfig{StepTimeout: 2 * time.Minute},
		Journal:  JournalConfig{Path: ":memory:"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Namespace: "sqfstream"},
		Gas:      GasConfig{MinBalance: "2000000000000000"},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeYAML overlays data onto cfg, rejecting unknown keys.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks c against the embedded CUE schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.Unify(ctx.Encode(c.schemaView()))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// schemaView is c in the shape the schema describes.
func (c *Config) schemaView() map[string]any {
	return map[string]any{
		"matching": map[string]any{
			"scale": c.Matching.Scale,
			"k":     c.Matching.K,
		},
		"eligibility": map[string]any{
			"minScore": c.Eligibility.MinScore,
			"cacheTTL": int64(c.Eligibility.CacheTTL),
		},
		"plan":     map[string]any{"operator": c.Plan.Operator},
		"executor": map[string]any{"stepTimeout": int64(c.Executor.StepTimeout)},
		"journal":  map[string]any{"path": c.Journal.Path},
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"metrics": map[string]any{"namespace": c.Metrics.Namespace},
		"gas":     map[string]any{"minBalance": c.Gas.MinBalance},
	}
}

// Params returns the matching constants.
func (c *Config) Params() (matching.Params, error) {
	scale, ok := new(big.Int).SetString(c.Matching.Scale, 10)
	if !ok {
		return matching.Params{}, fmt.Errorf("%w: matching.scale %q", ErrInvalid, c.Matching.Scale)
	}
	k, ok := new(big.Int).SetString(c.Matching.K, 10)
	if !ok {
		return matching.Params{}, fmt.Errorf("%w: matching.k %q", ErrInvalid, c.Matching.K)
	}
	p := matching.Params{Scale: scale, K: k}
	if err := p.Validate(); err != nil {
		return matching.Params{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p, nil
}

// MinGasBalance returns gas.minBalance as an integer.
func (c *Config) MinGasBalance() (*big.Int, error) {
	v, ok := new(big.Int).SetString(c.Gas.MinBalance, 10)
	if !ok {
		return nil, fmt.Errorf("%w: gas.minBalance %q", ErrInvalid, c.Gas.MinBalance)
	}
	return v, nil
}

// Level returns log.level as a slog level. verbose forces debug.
func (c *Config) Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger builds the process logger writing to w in log.format.
func (c *Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level(verbose)}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
