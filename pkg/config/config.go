// Package config loads tutorrag settings from a YAML file and the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides: TUTOR_CASCADE_KB_ACCEPTANCE -> cascade.kb_acceptance
const EnvPrefix = "TUTOR_"

const maxConfigFileSize = 1024 * 1024

// defaults is the bottom layer. The file and the environment override it key
// by key, so an explicit zero or false in either is kept.
//
//go:embed defaults.yaml
var defaults []byte

// ErrInvalidConfig indicates a setting failed validation
var ErrInvalidConfig = errors.New("invalid configuration")

// Secret is a string that is redacted when printed
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the secret itself
func (s Secret) Value() string { return string(s) }

// Config is the complete application configuration
type Config struct {
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Chunking  ChunkingConfig  `koanf:"chunking"`
	Search    SearchConfig    `koanf:"search"`
	Cascade   CascadeConfig   `koanf:"cascade"`
	Web       WebConfig       `koanf:"web"`
	Store     StoreConfig     `koanf:"store"`
	Mongo     MongoConfig     `koanf:"mongo"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Retry     RetryConfig     `koanf:"retry"`
	Ingest    IngestConfig    `koanf:"ingest"`
}

type OpenAIConfig struct {
	APIKey      Secret  `koanf:"api_key"`
	BaseURL     string  `koanf:"base_url"`
	ChatModel   string  `koanf:"chat_model"`
	Temperature float64 `koanf:"temperature"`
}

// EmbeddingConfig selects the embedder. Provider "hash" runs offline.
type EmbeddingConfig struct {
	Provider      string `koanf:"provider"`
	Model         string `koanf:"model"`
	SkipNormalize bool   `koanf:"skip_normalize"`
	HashDimension int    `koanf:"hash_dimension"`
}

type ChunkingConfig struct {
	MaxTokens     int    `koanf:"max_tokens"`
	OverlapTokens int    `koanf:"overlap_tokens"`
	Tokenizer     string `koanf:"tokenizer"` // tiktoken or chars
	Encoding      string `koanf:"encoding"`
}

type SearchConfig struct {
	Limit     int     `koanf:"limit"`
	Threshold float32 `koanf:"threshold"`
}

type CascadeConfig struct {
	SearchThreshold float32       `koanf:"search_threshold"`
	KBAcceptance    float32       `koanf:"kb_acceptance"`
	MinWebQuality   float64       `koanf:"min_web_quality"`
	Limit           int           `koanf:"limit"`
	Timeout         time.Duration `koanf:"timeout"`
}

type WebConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Languages []string      `koanf:"languages"`
	Timeout   time.Duration `koanf:"timeout"`
}

// StoreConfig picks the document store: "file" (gob snapshot) or "mongo"
type StoreConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

type MongoConfig struct {
	URI            string        `koanf:"uri"`
	Database       string        `koanf:"database"`
	Collection     string        `koanf:"collection"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

type QdrantConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type RetryConfig struct {
	MaxTries        uint          `koanf:"max_tries"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
	MaxElapsed      time.Duration `koanf:"max_elapsed"`
}

type IngestConfig struct {
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// Load layers the built-in defaults, path (optional, "" skips the file) and
// TUTOR_* environment overrides, then validates the result.
//
// OPENAI_API_KEY and MONGODB_URI are used when the matching setting is empty.
func Load(path string) (*Config, error) {
	k, err := newKoanf()
	if err != nil {
		return nil, err
	}

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("%w: config file %s exceeds %d bytes", ErrInvalidConfig, path, maxConfigFileSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// Split on the first underscore only, field names keep theirs.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		section, field, found := strings.Cut(key, "_")
		if !found {
			return key
		}
		return section + "." + field
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = os.Getenv("MONGODB_URI")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newKoanf() (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing built-in defaults: %w", err)
	}
	return k, nil
}

// Default returns the built-in defaults without reading the file or the
// environment
func Default() *Config {
	k, err := newKoanf()
	if err != nil {
		panic(err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Errorf("decoding built-in defaults: %w", err))
	}
	return &cfg
}

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Embedding.Provider == "openai" || c.Embedding.Provider == "hash",
		"embedding.provider must be openai or hash, got %q", c.Embedding.Provider)
	check(c.Embedding.Provider != "openai" || c.OpenAI.APIKey != "",
		"openai.api_key (or OPENAI_API_KEY) is required for the openai embedder")
	check(c.Embedding.HashDimension > 0, "embedding.hash_dimension must be positive")

	check(c.Chunking.OverlapTokens >= 0 && c.Chunking.MaxTokens > c.Chunking.OverlapTokens,
		"chunking.max_tokens (%d) must exceed chunking.overlap_tokens (%d) >= 0", c.Chunking.MaxTokens, c.Chunking.OverlapTokens)
	check(c.Chunking.Tokenizer == "tiktoken" || c.Chunking.Tokenizer == "chars",
		"chunking.tokenizer must be tiktoken or chars, got %q", c.Chunking.Tokenizer)

	check(c.Search.Threshold >= 0 && c.Search.Threshold <= 1, "search.threshold must be in [0,1]")
	check(c.Cascade.SearchThreshold >= 0 && c.Cascade.SearchThreshold <= 1, "cascade.search_threshold must be in [0,1]")
	check(c.Cascade.KBAcceptance >= 0 && c.Cascade.KBAcceptance <= 1, "cascade.kb_acceptance must be in [0,1]")
	check(c.Cascade.MinWebQuality >= 0 && c.Cascade.MinWebQuality <= 10, "cascade.min_web_quality must be in [0,10]")
	check(c.Cascade.Timeout > 0, "cascade.timeout must be positive")

	check(c.Store.Backend == "file" || c.Store.Backend == "mongo",
		"store.backend must be file or mongo, got %q", c.Store.Backend)
	check(c.Store.Backend != "mongo" || c.Mongo.URI != "",
		"mongo.uri (or MONGODB_URI) is required for the mongo store")
	check(c.Qdrant.Port > 0 && c.Qdrant.Port <= 65535, "qdrant.port must be 1-65535")

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
