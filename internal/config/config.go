package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration. Values come from an optional
// YAML file (CONFIG_PATH), overridden by PAPERCHAT_* environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

type LLMConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	StreamTimeout       time.Duration `mapstructure:"stream_timeout"`
	RequestsPerMinute   int           `mapstructure:"requests_per_minute"`
	PromptOverridesPath string        `mapstructure:"prompt_overrides_path"`
}

type ChatConfig struct {
	TopK         int `mapstructure:"top_k"`
	HistoryLimit int `mapstructure:"history_limit"`
	CacheTurnCap int `mapstructure:"cache_turn_cap"`
}

// Load reads configuration with code defaults, an optional YAML file, and
// environment overrides, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.ttl", time.Hour)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "paperchat")
	v.SetDefault("postgres.password", "paperchat")
	v.SetDefault("postgres.database", "paperchat")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("llm.base_url", "http://llm-service:8000")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.stream_timeout", 5*time.Minute)
	v.SetDefault("llm.requests_per_minute", 120)
	v.SetDefault("llm.prompt_overrides_path", "")
	v.SetDefault("chat.top_k", 5)
	v.SetDefault("chat.history_limit", 5)
	v.SetDefault("chat.cache_turn_cap", 50)

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	v.SetEnvPrefix("PAPERCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// DSN builds the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}
