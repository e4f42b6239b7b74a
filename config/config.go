// Package config loads process configuration: a YAML file for topology
// (Temporal endpoints, cache budget, worker tuning, schedules) and the
// environment for credentials. Credentials never live in the file, and no
// other package reads the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pomandi/mainstage/fault"
)

// Environment variables carrying credentials. OPENAI_API_KEY and
// DATABASE_URL are required; the rest enable optional backends.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvDatabaseURL  = "DATABASE_URL"
	EnvRedisAddr    = "REDIS_ADDR"
	EnvRedisPass    = "REDIS_PASSWORD"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvMongoURI     = "MONGODB_URI"
)

// Model providers Validate accepts.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

type (
	// Config is the full process configuration.
	Config struct {
		Temporal  TemporalConfig   `yaml:"temporal"`
		HTTP      HTTPConfig       `yaml:"http"`
		Store     StoreConfig      `yaml:"store"`
		Cache     CacheConfig      `yaml:"cache"`
		Embedding EmbeddingConfig  `yaml:"embedding"`
		Model     ModelConfig      `yaml:"model"`
		Worker    WorkerConfig     `yaml:"worker"`
		Storage   StorageConfig    `yaml:"storage"`
		Reports   ReportsConfig    `yaml:"reports"`
		Schedules []ScheduleConfig `yaml:"schedules"`

		// Credentials come from the environment, never the file.
		Credentials Credentials `yaml:"-"`
	}

	// TemporalConfig locates the Temporal cluster.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// HTTPConfig tunes the HTTP facade.
	HTTPConfig struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	// StoreConfig tunes the Postgres connection pool. The DSN itself is
	// the DATABASE_URL credential.
	StoreConfig struct {
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	}

	// CacheConfig tunes the cache tier. ByteBudget bounds the in-process
	// LRU used when no Redis address is configured.
	CacheConfig struct {
		ByteBudget int64 `yaml:"byte_budget"`
	}

	// EmbeddingConfig tunes the embedding provider and its token budget.
	EmbeddingConfig struct {
		Model         string `yaml:"model"`
		Dimensions    int    `yaml:"dimensions"`
		InitialTPM    int    `yaml:"initial_tpm"`
		MaxTPM        int    `yaml:"max_tpm"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	}

	// ModelConfig selects the completion model used by agent graphs.
	ModelConfig struct {
		// Provider is openai, anthropic or bedrock.
		Provider string `yaml:"provider"`
		Name     string `yaml:"name"`
	}

	// WorkerConfig tunes the Temporal worker.
	WorkerConfig struct {
		MaxConcurrentActivities    int `yaml:"max_concurrent_activities"`
		MaxConcurrentWorkflowTasks int `yaml:"max_concurrent_workflow_tasks"`
	}

	// StorageConfig locates the S3 bucket for feed photos.
	StorageConfig struct {
		Bucket string `yaml:"bucket"`
		Region string `yaml:"region"`
	}

	// ReportsConfig locates the Mongo report sink. The URI is the
	// MONGODB_URI credential; a sink is only wired when both are set.
	ReportsConfig struct {
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// ScheduleConfig declares one workflow schedule. Spec is either a
	// five-field cron expression or a comma-separated HH:MM list; the
	// scheduler validates it at creation time.
	ScheduleConfig struct {
		ID       string         `yaml:"id"`
		Workflow string         `yaml:"workflow"`
		Spec     string         `yaml:"spec"`
		TimeZone string         `yaml:"time_zone"`
		Overlap  string         `yaml:"overlap"`
		Paused   bool           `yaml:"paused"`
		Note     string         `yaml:"note"`
		Input    map[string]any `yaml:"input"`
	}

	// Credentials are the secrets read from the environment.
	Credentials struct {
		OpenAIKey     string
		DatabaseURL   string
		RedisAddr     string
		RedisPassword string
		AnthropicKey  string
		MongoURI      string
	}
)

// Overlap policies a schedule may declare.
var overlapValues = map[string]bool{"": true, "skip": true, "buffer_one": true, "allow_all": true}

// Default returns the configuration used when the file omits a value.
func Default() *Config {
	return &Config{
		Temporal: TemporalConfig{
			HostPort:  "127.0.0.1:7233",
			Namespace: "default",
			TaskQueue: "agent-tasks",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: CacheConfig{
			ByteBudget: 512 << 20,
		},
		Embedding: EmbeddingConfig{
			Model:         "text-embedding-3-small",
			Dimensions:    1536,
			InitialTPM:    60_000,
			MaxTPM:        1_000_000,
			MaxConcurrent: 8,
		},
		Model: ModelConfig{
			Provider: ProviderOpenAI,
			Name:     "gpt-4",
		},
		Worker: WorkerConfig{
			MaxConcurrentActivities:    20,
			MaxConcurrentWorkflowTasks: 10,
		},
		Storage: StorageConfig{
			Region: "eu-west-1",
		},
		Reports: ReportsConfig{
			Database:   "mainstage",
			Collection: "agent_reports",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// given, then credentials from the environment. A .env file in the working
// directory is folded into the environment first, for development setups.
// Validation failures report every problem at once.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Wrap(fault.Internal, "config.load", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fault.Errorf(fault.NotFound, "config.load", "config file %s does not exist", path)
			}
			return nil, fault.Wrap(fault.Internal, "config.load", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fault.Wrap(fault.SchemaViolation, "config.load", err)
		}
	}

	cfg.Credentials = readCredentials()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readCredentials() Credentials {
	return Credentials{
		OpenAIKey:     os.Getenv(EnvOpenAIKey),
		DatabaseURL:   os.Getenv(EnvDatabaseURL),
		RedisAddr:     os.Getenv(EnvRedisAddr),
		RedisPassword: os.Getenv(EnvRedisPass),
		AnthropicKey:  os.Getenv(EnvAnthropicKey),
		MongoURI:      os.Getenv(EnvMongoURI),
	}
}

// Validate checks credentials and topology and reports every problem in
// one error.
func (c *Config) Validate() error {
	var problems []string

	if c.Credentials.OpenAIKey == "" {
		problems = append(problems, EnvOpenAIKey+" is not set")
	}
	if c.Credentials.DatabaseURL == "" {
		problems = append(problems, EnvDatabaseURL+" is not set")
	}

	if c.Cache.ByteBudget < 0 {
		problems = append(problems, "cache.byte_budget is negative")
	}
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions must be positive")
	}
	if c.Embedding.MaxTPM < c.Embedding.InitialTPM {
		problems = append(problems, "embedding.max_tpm is below embedding.initial_tpm")
	}
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderBedrock:
	case ProviderAnthropic:
		if c.Credentials.AnthropicKey == "" {
			problems = append(problems, EnvAnthropicKey+" is not set but model.provider is anthropic")
		}
	default:
		problems = append(problems, fmt.Sprintf("model.provider %q is not openai, anthropic or bedrock", c.Model.Provider))
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("schedules[%d] has no id", i))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("schedules[%d] duplicates id %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Workflow == "" {
			problems = append(problems, fmt.Sprintf("schedule %q has no workflow", s.ID))
		}
		if s.Spec == "" {
			problems = append(problems, fmt.Sprintf("schedule %q has no spec", s.ID))
		}
		if !overlapValues[s.Overlap] {
			problems = append(problems, fmt.Sprintf("schedule %q overlap %q is not skip, buffer_one or allow_all", s.ID, s.Overlap))
		}
	}

	if len(problems) > 0 {
		return fault.Errorf(fault.SchemaViolation, "config.validate", "invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
