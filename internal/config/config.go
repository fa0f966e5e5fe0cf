package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "COTEACHER_CONFIG"

// Config represents runtime configuration for the service and the chat client.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" toml:"basic_config"`
	Upstream    UpstreamConfig            `json:"upstream" toml:"upstream"`
	Stream      StreamConfig              `json:"stream" toml:"stream"`
	Auth        AuthConfig                `json:"auth" toml:"auth"`
	Databases   map[string]DatabaseConfig `json:"databases" toml:"databases"`
	Redis       RedisConfig               `json:"redis" toml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" toml:"providers"`
	Inference   InferenceConfig           `json:"inference" toml:"inference"`
	Log         LogConfig                 `json:"log" toml:"log"`
	Telemetry   TelemetryConfig           `json:"telemetry" toml:"telemetry"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" toml:"server_address"`
	DatabaseType  string `json:"database_type" toml:"database_type"`
	// LocalHistory serves /api/chat-history from the local store instead of the upstream endpoint.
	LocalHistory             bool `json:"local_history" toml:"local_history"`
	MinWorkers               int  `json:"min_workers" toml:"min_workers"`
	MaxWorkers               int  `json:"max_workers" toml:"max_workers"`
	QueueSize                int  `json:"queue_size" toml:"queue_size"`
	WorkerIdleTimeout        int  `json:"worker_idle_timeout" toml:"worker_idle_timeout"`               // minutes
	HistoryCleanInterval     int  `json:"history_clean_interval" toml:"history_clean_interval"`         // minutes
	RosterCacheTTL           int  `json:"roster_cache_ttl" toml:"roster_cache_ttl"`                     // minutes, 0 keeps entries
	MaxTurnsPerMinute        int  `json:"max_turns_per_minute" toml:"max_turns_per_minute"`             // per socket
	MessageRetentionDays     int  `json:"message_retention_days" toml:"message_retention_days"`         // 0 means 90
	UpstreamCacheStudentList bool `json:"upstream_cache_student_list" toml:"upstream_cache_student_list"` // cache /api/students
}

// UpstreamConfig holds the fixed API-Gateway endpoints the proxy routes forward to.
type UpstreamConfig struct {
	ClassesURL            string `json:"classes_url" toml:"classes_url"`
	StudentsURL           string `json:"students_url" toml:"students_url"`
	StudentProfileURL     string `json:"student_profile_url" toml:"student_profile_url"`
	ChatHistoryURL        string `json:"chat_history_url" toml:"chat_history_url"`
	EditStudentProfileURL string `json:"edit_student_profile_url" toml:"edit_student_profile_url"`
	TimeoutSeconds        int    `json:"timeout_seconds" toml:"timeout_seconds"`
}

type StreamConfig struct {
	URL          string `json:"url" toml:"url"`
	RetryDelayMS int    `json:"retry_delay_ms" toml:"retry_delay_ms"`
}

// AuthConfig describes the Cognito hosted UI used for teacher sign-in.
type AuthConfig struct {
	Enabled      bool     `json:"enabled" toml:"enabled"`
	Domain       string   `json:"domain" toml:"domain"`
	ClientID     string   `json:"client_id" toml:"client_id"`
	ClientSecret string   `json:"client_secret" toml:"client_secret"`
	RedirectURL  string   `json:"redirect_url" toml:"redirect_url"`
	SignOutURL   string   `json:"sign_out_url" toml:"sign_out_url"`
	Scopes       []string `json:"scopes" toml:"scopes"`
	TokenTTL     int      `json:"token_ttl" toml:"token_ttl"` // hours
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" toml:"dsn"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DBName   string `json:"db_name" toml:"db_name"`
	Params   string `json:"params" toml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Host     string `json:"host" toml:"host"`
	Port     int    `json:"port" toml:"port"`
	Username string `json:"username" toml:"username"`
	Password string `json:"password" toml:"password"`
	DB       int    `json:"db" toml:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" toml:"base_url"`
	Model   string `json:"model" toml:"model"`
	APIKey  string `json:"api_key" toml:"api_key"`
}

type InferenceConfig struct {
	Provider    string  `json:"provider" toml:"provider"`
	Model       string  `json:"model" toml:"model"`
	MaxTokens   int     `json:"max_tokens" toml:"max_tokens"`
	Temperature float32 `json:"temperature" toml:"temperature"`
}

type LogConfig struct {
	Level      string `json:"level" toml:"level"`
	File       string `json:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" toml:"max_age_days"`
}

type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	Dir         string `json:"dir" toml:"dir"`
	ServiceName string `json:"service_name" toml:"service_name"`
}

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .toml are decoded as TOML, everything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(absPath), ".toml") {
		if _, err := toml.DecodeFile(absPath, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(absPath)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", absPath, err)
		}
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return &cfg, nil
}

// LoadFromEnv loads the file named by COTEACHER_CONFIG.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

func (c *Config) validate() error {
	if c.BasicConfig.DatabaseType == "" {
		c.BasicConfig.DatabaseType = "sqlite3"
	}
	if _, ok := c.Databases[c.BasicConfig.DatabaseType]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.DatabaseType)
	}
	for name, raw := range map[string]string{
		"upstream.classes_url":              c.Upstream.ClassesURL,
		"upstream.students_url":             c.Upstream.StudentsURL,
		"upstream.student_profile_url":      c.Upstream.StudentProfileURL,
		"upstream.chat_history_url":         c.Upstream.ChatHistoryURL,
		"upstream.edit_student_profile_url": c.Upstream.EditStudentProfileURL,
		"stream.url":                        c.Stream.URL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s is not a valid url: %w", name, err)
		}
	}
	if c.Auth.Enabled {
		if c.Auth.Domain == "" || c.Auth.ClientID == "" || c.Auth.RedirectURL == "" {
			return fmt.Errorf("auth.domain, auth.client_id and auth.redirect_url must be configured when auth is enabled")
		}
	}
	if p := c.Inference.Provider; p != "" {
		if _, ok := c.Providers[p]; !ok {
			return fmt.Errorf("provider %s not configured", p)
		}
	}
	return nil
}

func (c *Config) resolvePaths(baseDir string) {
	for name, db := range c.Databases {
		if name != "sqlite" && name != "sqlite3" {
			continue
		}
		if db.DSN == "" || db.DSN == ":memory:" || strings.HasPrefix(db.DSN, "file:") || filepath.IsAbs(db.DSN) {
			continue
		}
		db.DSN = filepath.Join(baseDir, db.DSN)
		c.Databases[name] = db
	}
	if c.Log.File != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(baseDir, c.Log.File)
	}
	if c.Telemetry.Dir != "" && !filepath.IsAbs(c.Telemetry.Dir) {
		c.Telemetry.Dir = filepath.Join(baseDir, c.Telemetry.Dir)
	}
}
