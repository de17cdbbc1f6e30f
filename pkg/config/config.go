// Package config loads securepickle settings from YAML, applies
// SECUREPICKLE_* environment overrides and validates the result.
package config

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/securepickle/pkg/blobstore"
	"github.com/Mindburn-Labs/securepickle/pkg/envelope"
	"github.com/Mindburn-Labs/securepickle/pkg/keystore"
	"github.com/Mindburn-Labs/securepickle/pkg/observability"
	"github.com/Mindburn-Labs/securepickle/pkg/policy"
	"github.com/Mindburn-Labs/securepickle/pkg/securepickle"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "securepickle://config.schema.json"

// DefaultKeyEnv is the variable read by the env keystore.
const DefaultKeyEnv = "SECUREPICKLE_KEY"

// Config is the complete securepickle configuration.
type Config struct {
	LogLevel      string              `yaml:"log_level" json:"log_level"`
	Codec         string              `yaml:"codec" json:"codec"`
	Primitive     string              `yaml:"primitive" json:"primitive"`
	Policy        string              `yaml:"policy,omitempty" json:"policy,omitempty"`
	FailureLimit  FailureLimitConfig  `yaml:"failure_limit" json:"failure_limit"`
	KeyStore      KeyStoreConfig      `yaml:"keystore" json:"keystore"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// FailureLimitConfig throttles invalid signatures. Burst 0 disables it; a
// positive burst needs a positive refill rate.
type FailureLimitConfig struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// KeyStoreConfig selects the key source.
type KeyStoreConfig struct {
	Type  string      `yaml:"type" json:"type"` // "env" | "file" | "redis" | "sql"
	Env   string      `yaml:"env,omitempty" json:"env,omitempty"`
	Path  string      `yaml:"path,omitempty" json:"path,omitempty"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
	SQL   SQLConfig   `yaml:"sql" json:"sql"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
}

type SQLConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// StorageConfig selects the blob store used by put and get.
type StorageConfig struct {
	Type     string `yaml:"type" json:"type"`
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
	Environment string  `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		Codec:     "gob",
		Primitive: envelope.DefaultPrimitive,
		KeyStore: KeyStoreConfig{
			Type: "env",
			Env:  DefaultKeyEnv,
			Path: "data/keys.json",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  keystore.DefaultRedisKey,
			},
			SQL: SQLConfig{Driver: "sqlite", DSN: "data/keys.db"},
		},
		Storage: StorageConfig{Type: "fs", Dir: "data/envelopes", Region: "us-east-1"},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Environment: "development",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"SECUREPICKLE_LOG_LEVEL":      &c.LogLevel,
		"SECUREPICKLE_CODEC":          &c.Codec,
		"SECUREPICKLE_PRIMITIVE":      &c.Primitive,
		"SECUREPICKLE_POLICY":         &c.Policy,
		"SECUREPICKLE_KEYSTORE":       &c.KeyStore.Type,
		"SECUREPICKLE_KEYSTORE_ENV":   &c.KeyStore.Env,
		"SECUREPICKLE_KEYSTORE_PATH":  &c.KeyStore.Path,
		"SECUREPICKLE_REDIS_ADDR":     &c.KeyStore.Redis.Addr,
		"SECUREPICKLE_REDIS_PASSWORD": &c.KeyStore.Redis.Password,
		"SECUREPICKLE_SQL_DRIVER":     &c.KeyStore.SQL.Driver,
		"SECUREPICKLE_SQL_DSN":        &c.KeyStore.SQL.DSN,
		"SECUREPICKLE_STORAGE_TYPE":   &c.Storage.Type,
		"SECUREPICKLE_STORAGE_DIR":    &c.Storage.Dir,
		"SECUREPICKLE_STORAGE_BUCKET": &c.Storage.Bucket,
		"SECUREPICKLE_STORAGE_PREFIX": &c.Storage.Prefix,
		"SECUREPICKLE_S3_REGION":      &c.Storage.Region,
		"SECUREPICKLE_S3_ENDPOINT":    &c.Storage.Endpoint,
		"SECUREPICKLE_OTEL_ENDPOINT":  &c.Observability.Endpoint,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SECUREPICKLE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SECUREPICKLE_REDIS_DB: %w", err)
		}
		c.KeyStore.Redis.DB = n
	}
	if v := os.Getenv("SECUREPICKLE_OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SECUREPICKLE_OTEL_ENABLED: %w", err)
		}
		c.Observability.Enabled = b
	}
	if v := os.Getenv("SECUREPICKLE_FAILURE_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: SECUREPICKLE_FAILURE_PER_SECOND: %w", err)
		}
		c.FailureLimit.PerSecond = f
	}
	if v := os.Getenv("SECUREPICKLE_FAILURE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SECUREPICKLE_FAILURE_BURST: %w", err)
		}
		c.FailureLimit.Burst = n
	}
	return nil
}

// Validate checks c against the embedded JSON schema and compiles the
// policy expression.
func (c *Config) Validate() error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config: load schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}

	if _, err := c.CompilePolicy(); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// SlogLevel parses LogLevel, defaulting to INFO.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// CompilePolicy returns the configured policy, or nil when none is set.
func (c *Config) CompilePolicy() (*policy.Policy, error) {
	if strings.TrimSpace(c.Policy) == "" {
		return nil, nil
	}
	return policy.Compile(c.Policy)
}

// PicklerOptions returns the Pickler options implied by c.
func (c *Config) PicklerOptions(obs *observability.Provider) ([]securepickle.Option, error) {
	opts := []securepickle.Option{securepickle.WithPrimitive(c.Primitive)}
	pol, err := c.CompilePolicy()
	if err != nil {
		return nil, err
	}
	if pol != nil {
		opts = append(opts, securepickle.WithPolicy(pol))
	}
	if c.FailureLimit.Burst > 0 {
		opts = append(opts, securepickle.WithFailureLimit(rate.Limit(c.FailureLimit.PerSecond), c.FailureLimit.Burst))
	}
	if obs != nil {
		opts = append(opts, securepickle.WithObservability(obs))
	}
	return opts, nil
}

// ObservabilityConfig maps c onto the provider configuration.
func (c *Config) ObservabilityConfig() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Observability.Enabled
	oc.Insecure = c.Observability.Insecure
	oc.SampleRate = c.Observability.SampleRate
	if c.Observability.Endpoint != "" {
		oc.OTLPEndpoint = c.Observability.Endpoint
	}
	if c.Observability.Environment != "" {
		oc.Environment = c.Observability.Environment
	}
	return oc
}

// OpenBlobStore builds the configured blob store.
func (c *Config) OpenBlobStore(ctx context.Context) (blobstore.Store, error) {
	return blobstore.Open(ctx, blobstore.Config{
		Type:     blobstore.Type(c.Storage.Type),
		Dir:      c.Storage.Dir,
		Bucket:   c.Storage.Bucket,
		Region:   c.Storage.Region,
		Endpoint: c.Storage.Endpoint,
		Prefix:   c.Storage.Prefix,
	})
}

// OpenKeyStore builds the configured key source. The returned close
// function releases any connection it holds. SQL drivers must be
// registered by the caller.
func (c *Config) OpenKeyStore(ctx context.Context) (keystore.KeyStore, func() error, error) {
	noop := func() error { return nil }
	ks := c.KeyStore
	switch ks.Type {
	case "env":
		name := ks.Env
		if name == "" {
			name = DefaultKeyEnv
		}
		return keystore.Env{Name: name}, noop, nil
	case "file":
		f, err := keystore.OpenFile(ks.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil
	case "redis":
		r := keystore.NewRedis(keystore.RedisConfig{
			Addr:     ks.Redis.Addr,
			Password: ks.Redis.Password,
			DB:       ks.Redis.DB,
			Key:      ks.Redis.Key,
		})
		return r, r.Close, nil
	case "sql":
		db, err := sql.Open(ks.SQL.Driver, ks.SQL.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("config: open %s: %w", ks.SQL.Driver, err)
		}
		s, err := keystore.NewSQL(ctx, db, ks.SQL.Driver)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("config: unsupported keystore type %q", ks.Type)
	}
}
