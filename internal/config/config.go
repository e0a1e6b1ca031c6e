package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logger"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
)

type Config struct {
	Port          int              `json:"port" yaml:"port"`
	LogConfig     logger.LogConfig `json:"log_config" yaml:"log_config"`
	Database      DatabaseConfig   `json:"database" yaml:"database"`
	AI            AIConfig         `json:"ai" yaml:"ai"`
	Retrieval     RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	Chunking      ChunkingConfig   `json:"chunking" yaml:"chunking"`
	Ingest        IngestConfig     `json:"ingest" yaml:"ingest"`
	EmbedCache    EmbedCacheConfig `json:"embed_cache" yaml:"embed_cache"`
	Archive       ArchiveConfig    `json:"archive" yaml:"archive"`
	Auth          AuthConfig       `json:"auth" yaml:"auth"`
	CORSAllowlist []string         `json:"cors_allowlist" yaml:"cors_allowlist"`
	RateLimitMS   int              `json:"rate_limit_ms" yaml:"rate_limit_ms"`
}

type DatabaseConfig struct {
	Driver           string `json:"driver" yaml:"driver"`
	DSN              string `json:"dsn" yaml:"dsn"`
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	User             string `json:"user" yaml:"user"`
	Password         string `json:"password" yaml:"password"`
	DBName           string `json:"dbname" yaml:"dbname"`
	SSLMode          string `json:"sslmode" yaml:"sslmode"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	AcquireTimeoutMS int    `json:"acquire_timeout_ms" yaml:"acquire_timeout_ms"`
}

// ProviderConfig names one registered ai provider. Data is passed to the provider factory.
type ProviderConfig struct {
	Name     string      `json:"name" yaml:"name"`
	Provider string      `json:"provider" yaml:"provider"`
	Model    string      `json:"model" yaml:"model"`
	Data     interface{} `json:"data" yaml:"data"`
}

type AIConfig struct {
	EmbedProviders   []ProviderConfig `json:"embed_providers" yaml:"embed_providers"`
	GenProviders     []ProviderConfig `json:"gen_providers" yaml:"gen_providers"`
	Timeout          int              `json:"timeout" yaml:"timeout"`
	Dimensions       int              `json:"dimensions" yaml:"dimensions"`
	EmbedConcurrency int              `json:"embed_concurrency" yaml:"embed_concurrency"`
	EmbedRatePerSec  float64          `json:"embed_rate_per_sec" yaml:"embed_rate_per_sec"`
}

type RetrievalConfig struct {
	TopK             int    `json:"top_k" yaml:"top_k"`
	RRFK             int    `json:"rrf_k" yaml:"rrf_k"`
	BranchTimeoutMS  int    `json:"branch_timeout_ms" yaml:"branch_timeout_ms"`
	ResultLimit      int    `json:"result_limit" yaml:"result_limit"`
	ContextLimit     int    `json:"context_limit" yaml:"context_limit"`
	TextSearchConfig string `json:"text_search_config" yaml:"text_search_config"`
}

type ChunkingConfig struct {
	Size    int `json:"size" yaml:"size"`
	Overlap int `json:"overlap" yaml:"overlap"`
}

type IngestConfig struct {
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type EmbedCacheConfig struct {
	LRUSize       int    `json:"lru_size" yaml:"lru_size"`
	LRUTTLSeconds int    `json:"lru_ttl_seconds" yaml:"lru_ttl_seconds"`
	DBEnabled     bool   `json:"db_enabled" yaml:"db_enabled"`
	DBMaxAgeDays  int    `json:"db_max_age_days" yaml:"db_max_age_days"`
	CleanupCron   string `json:"cleanup_cron" yaml:"cleanup_cron"`
}

type ArchiveConfig struct {
	Type string      `json:"type" yaml:"type"`
	Data interface{} `json:"data" yaml:"data"`
}

type AuthConfig struct {
	Mode      string `json:"mode" yaml:"mode"`
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
}

// Load reads a json or yaml config file, expands ${VAR} references from the
// environment, then applies defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return Parse(raw, filepath.Ext(path))
}

func Parse(raw []byte, ext string) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.RateLimitMS < 0 {
		return fmt.Errorf("rate_limit_ms must be >= 0")
	}

	db := &c.Database
	if db.Driver == "" {
		db.Driver = DriverPostgres
	}
	switch db.Driver {
	case DriverPostgres:
		if db.DSN == "" && db.Host == "" {
			return fmt.Errorf("database.dsn or database.host is required")
		}
		if db.DSN == "" && db.Port == 0 {
			db.Port = 5432
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be postgres or memory")
	}
	if db.MaxOpenConns <= 0 {
		db.MaxOpenConns = 10
	}
	if db.AcquireTimeoutMS <= 0 {
		db.AcquireTimeoutMS = 5000
	}

	a := &c.AI
	if len(a.EmbedProviders) == 0 {
		return fmt.Errorf("ai.embed_providers requires at least one provider")
	}
	for i := range a.EmbedProviders {
		if err := a.EmbedProviders[i].validate("ai.embed_providers", i); err != nil {
			return err
		}
	}
	for i := range a.GenProviders {
		if err := a.GenProviders[i].validate("ai.gen_providers", i); err != nil {
			return err
		}
	}
	if a.Timeout <= 0 {
		a.Timeout = 60
	}
	if a.Dimensions < 0 {
		return fmt.Errorf("ai.dimensions must be >= 0")
	}
	if a.EmbedConcurrency <= 0 {
		a.EmbedConcurrency = 4
	}
	if a.EmbedRatePerSec < 0 {
		return fmt.Errorf("ai.embed_rate_per_sec must be >= 0")
	}

	r := &c.Retrieval
	if r.TopK <= 0 {
		r.TopK = 5
	}
	if r.RRFK <= 0 {
		r.RRFK = 60
	}
	if r.BranchTimeoutMS <= 0 {
		r.BranchTimeoutMS = 10000
	}
	if r.ResultLimit <= 0 {
		r.ResultLimit = 10
	}
	if r.ContextLimit <= 0 {
		r.ContextLimit = 5
	}
	if r.TextSearchConfig == "" {
		r.TextSearchConfig = "english"
	}

	if c.Chunking.Size <= 0 {
		c.Chunking.Size = 1000
	}
	if c.Chunking.Overlap < 0 {
		return fmt.Errorf("chunking.overlap must be >= 0")
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = 200
	}
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be smaller than chunking.size")
	}

	if c.Ingest.MaxUploadBytes <= 0 {
		c.Ingest.MaxUploadBytes = 20 << 20
	}

	ec := &c.EmbedCache
	if ec.LRUSize <= 0 {
		ec.LRUSize = 1000
	}
	if ec.LRUTTLSeconds <= 0 {
		ec.LRUTTLSeconds = 600
	}
	if ec.DBMaxAgeDays <= 0 {
		ec.DBMaxAgeDays = 30
	}
	if ec.CleanupCron == "" {
		ec.CleanupCron = "0 3 * * *"
	}
	if ec.DBEnabled && db.Driver == DriverMemory {
		return fmt.Errorf("embed_cache.db_enabled requires database.driver=postgres")
	}

	switch c.Archive.Type {
	case "", "local", "s3":
	default:
		return fmt.Errorf("archive.type must be empty, local or s3")
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeHeader
	}
	switch c.Auth.Mode {
	case AuthModeHeader:
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required for jwt mode")
		}
	default:
		return fmt.Errorf("auth.mode must be header or jwt")
	}
	return nil
}

func (p *ProviderConfig) validate(section string, idx int) error {
	p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	if p.Provider == "" {
		return fmt.Errorf("%s[%d].provider is required", section, idx)
	}
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("%s[%d].model is required", section, idx)
	}
	if p.Name == "" {
		p.Name = p.Provider + ":" + p.Model
	}
	return nil
}

// PostgresDSN returns the configured dsn or one built from the host fields.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, sslmode)
}
