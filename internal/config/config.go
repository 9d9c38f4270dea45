// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.quarry/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider selection, model, embedder
//   - Storage: PostgreSQL connection, vector index directory
//   - Retrieval: hybrid weight, default top-k and token budget
//   - Chunking: chunk token ceiling and overlap
//   - Agent: loop bounds, planning mode
//   - Report/Email: GCS bucket, SMTP relay
//
// Security: sensitive values (passwords, API keys) are never logged; the
// Config JSON encoding masks them.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidHybridAlpha indicates the hybrid weight is outside [0,1].
	ErrInvalidHybridAlpha = errors.New("invalid hybrid alpha")

	// ErrInvalidChunkBudget indicates chunk token limits are inconsistent.
	ErrInvalidChunkBudget = errors.New("invalid chunk token budget")

	// ErrInvalidAgentBounds indicates agent loop bounds are out of range.
	ErrInvalidAgentBounds = errors.New("invalid agent loop bounds")

	// ErrMissingSMTPConfig indicates the SMTP relay is incompletely configured.
	ErrMissingSMTPConfig = errors.New("incomplete SMTP configuration")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// DefaultGeminiEmbedderModel is the default Gemini embedder model.
// Its output is truncated to EmbeddingDim dimensions to match the
// pgvector schema.
const DefaultGeminiEmbedderModel = "gemini-embedding-001"

// SMTPConfig configures the outbound mail relay used by the send_email tool.
type SMTPConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"` // SENSITIVE: masked in MarshalJSON
	From     string `mapstructure:"from" json:"from"`
}

// Configured reports whether the relay has enough settings to send mail.
func (s SMTPConfig) Configured() bool {
	return s.Host != "" && s.Port > 0 && s.From != ""
}

// MarshalJSON masks the relay password.
func (s SMTPConfig) MarshalJSON() ([]byte, error) {
	type alias SMTPConfig
	a := alias(s)
	a.Password = maskSecret(a.Password)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal smtp config: %w", err)
	}
	return data, nil
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"` // "gemini" (default), "ollama", "openai"
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Vector index persistence directory. The index is rebuildable state;
	// losing it costs a rebuild, not data.
	IndexDir       string `mapstructure:"index_dir" json:"index_dir"`
	RebuildOnStart bool   `mapstructure:"rebuild_on_start" json:"rebuild_on_start"`

	// Retrieval configuration
	HybridAlpha        float64 `mapstructure:"hybrid_alpha" json:"hybrid_alpha"`
	DefaultTopK        int     `mapstructure:"default_top_k" json:"default_top_k"`
	DefaultTokenBudget int     `mapstructure:"default_token_budget" json:"default_token_budget"`

	// Chunking configuration
	ChunkMaxTokens int `mapstructure:"chunk_max_tokens" json:"chunk_max_tokens"`
	ChunkOverlap   int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Agent configuration
	MaxTurns          int     `mapstructure:"max_turns" json:"max_turns"`
	MaxPlanSteps      int     `mapstructure:"max_plan_steps" json:"max_plan_steps"`
	EnablePlanning    bool    `mapstructure:"enable_planning" json:"enable_planning"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`

	// Conversation memory configuration
	MemoryEnabled       bool    `mapstructure:"memory_enabled" json:"memory_enabled"`
	MemoryTopK          int     `mapstructure:"memory_top_k" json:"memory_top_k"`
	MemoryMinSimilarity float64 `mapstructure:"memory_min_similarity" json:"memory_min_similarity"`

	// Report / object storage configuration
	ReportDir string `mapstructure:"report_dir" json:"report_dir"`
	GCSBucket string `mapstructure:"gcs_bucket" json:"gcs_bucket"`

	// Outbound mail
	SMTP SMTPConfig `mapstructure:"smtp" json:"smtp"`

	// Server configuration
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".quarry")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultGeminiEmbedderModel)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "quarry")
	viper.SetDefault("postgres_password", "quarry_dev_password")
	viper.SetDefault("postgres_db_name", "quarry")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("index_dir", filepath.Join("data", "index"))
	viper.SetDefault("rebuild_on_start", false)

	viper.SetDefault("hybrid_alpha", 0.7)
	viper.SetDefault("default_top_k", 5)
	viper.SetDefault("default_token_budget", 3000)

	viper.SetDefault("chunk_max_tokens", 1500)
	viper.SetDefault("chunk_overlap", 200)

	viper.SetDefault("max_turns", 5)
	viper.SetDefault("max_plan_steps", 8)
	viper.SetDefault("enable_planning", false)
	viper.SetDefault("requests_per_second", 2.0)

	viper.SetDefault("memory_enabled", true)
	viper.SetDefault("memory_top_k", 3)
	viper.SetDefault("memory_min_similarity", 0.75)

	viper.SetDefault("report_dir", filepath.Join("data", "reports"))

	viper.SetDefault("smtp.port", 587)

	viper.SetDefault("listen_addr", ":8080")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY and OPENAI_API_KEY are read directly by the provider
// plugins, not via Viper; Validate checks their presence.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "QUARRY_PROVIDER")
	mustBind("model_name", "QUARRY_MODEL_NAME")
	mustBind("embedder_model", "QUARRY_EMBEDDER_MODEL")
	mustBind("ollama_host", "QUARRY_OLLAMA_HOST")
	mustBind("listen_addr", "QUARRY_LISTEN_ADDR")
	mustBind("index_dir", "QUARRY_INDEX_DIR")
	mustBind("gcs_bucket", "QUARRY_GCS_BUCKET")
	mustBind("smtp.host", "QUARRY_SMTP_HOST")
	mustBind("smtp.username", "QUARRY_SMTP_USERNAME")
	mustBind("smtp.password", "QUARRY_SMTP_PASSWORD")
	mustBind("smtp.from", "QUARRY_SMTP_FROM")
	mustBind("postgres_password", "QUARRY_POSTGRES_PASSWORD")
}

// parseDatabaseURL overrides the PostgreSQL settings from DATABASE_URL
// when set. The URL takes priority over individual fields.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("invalid port %q: %w", p, err)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.PostgresDBName = db
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// PostgresURL returns the migration-style connection URL.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser), url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDBName, c.PostgresSSLMode)
}

// PostgresConnectionString returns the keyword/value pgx connection string.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword,
		c.PostgresDBName, c.PostgresSSLMode)
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3", "openai/gpt-4o".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret material.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 bytes
// or fewer are fully masked; longer ones keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method or the
// nested struct's MarshalJSON.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	// SMTP password is handled by SMTPConfig.MarshalJSON.
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
