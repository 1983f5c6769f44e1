// Package config loads offq configuration from YAML.
//
// A file is checked against an embedded CUE schema before it is decoded, so
// a typo in a key or a malformed duration is reported with its path instead
// of silently falling back to a default.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offq/internal/backoff"
	"github.com/roach88/offq/internal/connectivity"
	"github.com/roach88/offq/internal/engine"
	"github.com/roach88/offq/internal/idem"
	"github.com/roach88/offq/internal/transport"
)

//go:embed schema.cue
var schemaSource string

// Environment overrides, applied after the file.
const (
	EnvDatabase    = "OFFQ_DATABASE"
	EnvRemoteURL   = "OFFQ_REMOTE_URL"
	EnvRemoteToken = "OFFQ_REMOTE_TOKEN"
)

// DefaultDatabase is the log location when none is configured.
const DefaultDatabase = "offq.db"

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses "250ms", "1m30s" and the like.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Database     string            `yaml:"database"`
	Remote       Remote            `yaml:"remote"`
	Backoff      Backoff           `yaml:"backoff"`
	Idempotency  Idempotency       `yaml:"idempotency"`
	Drain        Drain             `yaml:"drain"`
	Connectivity Connectivity      `yaml:"connectivity"`
	Schemas      map[string]string `yaml:"schemas,omitempty"`
	Server       Server            `yaml:"server"`
	Log          Log               `yaml:"log"`
	Storage      Storage           `yaml:"storage"`
}

type Remote struct {
	BaseURL   string            `yaml:"base_url,omitempty"`
	Timeout   Duration          `yaml:"timeout"`
	TokenEnv  string            `yaml:"token_env,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	UserAgent string            `yaml:"user_agent,omitempty"`

	// Token is resolved from TokenEnv or OFFQ_REMOTE_TOKEN; never read from
	// the file.
	Token string `yaml:"-"`
}

type Backoff struct {
	Base        Duration `yaml:"base"`
	Max         Duration `yaml:"max"`
	Jitter      float64  `yaml:"jitter"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type Idempotency struct {
	TTL Duration `yaml:"ttl"`
}

type Drain struct {
	WakeInterval Duration `yaml:"wake_interval"`
}

type Connectivity struct {
	Initial       string   `yaml:"initial"`
	ProbeURL      string   `yaml:"probe_url,omitempty"`
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	SignalFile    string   `yaml:"signal_file,omitempty"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Storage struct {
	MaxOperations int `yaml:"max_operations"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Database: DefaultDatabase,
		Remote: Remote{
			Timeout: Duration(transport.DefaultTimeout),
		},
		Backoff: Backoff{
			Base:   Duration(backoff.DefaultBase),
			Max:    Duration(backoff.DefaultMax),
			Jitter: backoff.DefaultJitter,
		},
		Idempotency: Idempotency{TTL: Duration(idem.DefaultTTL)},
		Drain:       Drain{WakeInterval: Duration(engine.DefaultWakeInterval)},
		Connectivity: Connectivity{
			Initial:       "offline",
			ProbeInterval: Duration(connectivity.DefaultProbeInterval),
			ProbeTimeout:  Duration(connectivity.DefaultProbeTimeout),
		},
		Server: Server{Addr: "127.0.0.1:7420"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// Load reads path. A missing file yields Default with environment
// overrides applied; an empty path means "no file".
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := Parse(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%s: %w", path, err)
			}
			cfg.resolvePaths(filepath.Dir(path))
		}
	}

	cfg.applyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over cfg.
// Keys absent from data keep their current values.
func Parse(data []byte, cfg *Config) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if len(doc) == 0 {
		return nil
	}
	if err := checkSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// SchemaError reports a configuration value rejected by the schema.
type SchemaError struct {
	Path    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Path, e.Message)
}

func checkSchema(doc map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	format, args := first.Msg()
	path := strings.Join(first.Path(), ".")
	path = strings.TrimPrefix(path, "#Config.")
	return &SchemaError{Path: path, Message: fmt.Sprintf(format, args...)}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabase); ok && v != "" {
		c.Database = v
	}
	if v, ok := lookup(EnvRemoteURL); ok && v != "" {
		c.Remote.BaseURL = v
	}
	if c.Remote.TokenEnv != "" {
		if v, ok := lookup(c.Remote.TokenEnv); ok {
			c.Remote.Token = v
		}
	}
	if v, ok := lookup(EnvRemoteToken); ok && v != "" {
		c.Remote.Token = v
	}
}

// resolvePaths makes file references relative to the config file's
// directory. DSNs are left alone.
func (c *Config) resolvePaths(dir string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.Contains(p, "://") || strings.HasPrefix(p, "file:") {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Database = rel(c.Database)
	c.Connectivity.SignalFile = rel(c.Connectivity.SignalFile)
	for k, p := range c.Schemas {
		c.Schemas[k] = rel(p)
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("config: backoff: %w", err)
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("config: idempotency.ttl must be positive")
	}
	if c.Drain.WakeInterval < 0 {
		return fmt.Errorf("config: drain.wake_interval must be >= 0")
	}
	return nil
}

// Policy returns the configured backoff policy.
func (c Config) Policy() backoff.Policy {
	p := backoff.Default()
	p.Base = c.Backoff.Base.Std()
	p.Max = c.Backoff.Max.Std()
	p.Jitter = c.Backoff.Jitter
	p.MaxAttempts = c.Backoff.MaxAttempts
	return p
}

// InitiallyOnline reports the configured starting connectivity.
func (c Config) InitiallyOnline() bool {
	return c.Connectivity.Initial == "online"
}

// LevelName returns log.level, or "info" for unknown values.
func (c Config) LevelName() string {
	switch c.Log.Level {
	case "debug", "warn", "error":
		return c.Log.Level
	}
	return "info"
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}
