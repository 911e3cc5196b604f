// Package config loads the service configuration from a JSON file with
// ${VAR} and ${VAR:default} environment substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-memory/internal/provider"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig              `json:"server"`
	Providers  []provider.ProviderConfig `json:"providers"`
	Generation GenerationConfig          `json:"generation"`
	Database   DatabaseConfig            `json:"database"`
	Embedding  EmbeddingConfig           `json:"embedding"`
	Memory     MemoryConfig              `json:"memory"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	// AllowedOrigins feeds the CORS middleware; empty allows any origin.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// GenerationConfig selects the text generator used by the batch engines.
type GenerationConfig struct {
	// Provider is the router binding the memory engines use; empty means
	// the router default.
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Fallbacks     []string `json:"fallbacks,omitempty"`
	Timeout       Duration `json:"timeout"`
	RatePerSecond float64  `json:"rate_per_second"`
	Burst         int      `json:"burst"`
	// StyleRewrite lets the style adapter rewrite replies before the tone
	// rules run.
	StyleRewrite bool `json:"style_rewrite"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string         `json:"driver"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Vector   VectorConfig   `json:"vector"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// Neo4jConfig enables the provenance graph when URI is set.
type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// RedisConfig enables the shared batch lock when URL is set.
type RedisConfig struct {
	URL string `json:"url"`
}

type VectorConfig struct {
	// Backend is "chromem" or "qdrant".
	Backend    string       `json:"backend"`
	ChromemDir string       `json:"chromem_dir"`
	Qdrant     QdrantConfig `json:"qdrant"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider      string   `json:"provider"`
	Endpoint      string   `json:"endpoint"`
	Model         string   `json:"model"`
	APIKey        string   `json:"api_key"`
	Dimension     int      `json:"dimension"`
	Timeout       Duration `json:"timeout"`
	CacheSize     int64    `json:"cache_size"`
	RatePerSecond float64  `json:"rate_per_second"`
}

// MemoryConfig holds the tunables of the memory engines. Zero values keep
// each engine's default.
type MemoryConfig struct {
	Ranking    RankingConfig    `json:"ranking"`
	Compress   CompressConfig   `json:"compress"`
	Insight    InsightConfig    `json:"insight"`
	Relation   RelationConfig   `json:"relation"`
	Background BackgroundConfig `json:"background"`
	Schedule   ScheduleConfig   `json:"schedule"`
}

type RankingConfig struct {
	Similarity    float64  `json:"similarity"`
	Recency       float64  `json:"recency"`
	Importance    float64  `json:"importance"`
	Access        float64  `json:"access"`
	Tau           Duration `json:"tau"`
	MinConfidence float64  `json:"min_confidence"`
}

type CompressConfig struct {
	MinAge     Duration `json:"min_age"`
	SessionGap Duration `json:"session_gap"`
	BatchSize  int      `json:"batch_size"`
}

type InsightConfig struct {
	Lookback    Duration `json:"lookback"`
	MinEvidence int      `json:"min_evidence"`
}

type RelationConfig struct {
	MaxDelta  float64  `json:"max_delta"`
	IdleAfter Duration `json:"idle_after"`
}

type BackgroundConfig struct {
	MaxInFlight int64    `json:"max_in_flight"`
	Timeout     Duration `json:"timeout"`
}

// ScheduleConfig drives the maintenance clock. A zero job interval keeps
// the default; a negative one disables the job.
type ScheduleConfig struct {
	Enabled     bool     `json:"enabled"`
	Tick        Duration `json:"tick"`
	Compress    Duration `json:"compress"`
	Extract     Duration `json:"extract"`
	Digest      Duration `json:"digest"`
	Decay       Duration `json:"decay"`
	Reindex     Duration `json:"reindex"`
	Concurrency int      `json:"concurrency"`
}

// Duration is a time.Duration written as "90s" or "6h" in JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n float64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or seconds: %s", b)
		}
		*d = Duration(n * float64(time.Second))
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration that runs without external services:
// SQLite, embedded chromem and the hashing embedder.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8090, LogLevel: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "data/memory.db"},
			Vector: VectorConfig{Backend: "chromem"},
		},
		Embedding: EmbeddingConfig{Provider: "hash", Dimension: 256, CacheSize: 10_000},
		Memory: MemoryConfig{
			Schedule: ScheduleConfig{Enabled: true, Tick: Duration(time.Minute)},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over Default and substitutes environment
// variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Database.Vector.Backend {
	case "chromem":
	case "qdrant":
		if c.Database.Vector.Qdrant.Host == "" {
			return fmt.Errorf("database.vector.qdrant.host is required")
		}
	default:
		return fmt.Errorf("unknown vector backend %q", c.Database.Vector.Backend)
	}
	return nil
}
