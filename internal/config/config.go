// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	DB      DBConfig      `mapstructure:"db"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig protects the crawler control endpoints. An empty secret key
// disables authentication.
type AuthConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

// CrawlerConfig governs crawl behavior.
type CrawlerConfig struct {
	SeedURLs            []string `mapstructure:"seed_urls"`
	AllowedDomains      []string `mapstructure:"allowed_domains"`
	UserAgent           string   `mapstructure:"user_agent"`
	DelaySeconds        float64  `mapstructure:"delay_seconds"`
	TimeoutSeconds      int      `mapstructure:"timeout_seconds"`
	GlobalRPS           float64  `mapstructure:"global_rps"`
	SimilarityThreshold float64  `mapstructure:"similarity_threshold"`
	StatsInterval       int      `mapstructure:"stats_interval"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// store.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCHENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.seed_urls", []string{"https://www.ics.uci.edu"})
	v.SetDefault("crawler.allowed_domains", []string{"ics.uci.edu", "cs.uci.edu", "informatics.uci.edu", "stat.uci.edu"})
	v.SetDefault("crawler.user_agent", "campus-search-bot/0.1")
	v.SetDefault("crawler.delay_seconds", 1.0)
	v.SetDefault("crawler.timeout_seconds", 30)
	v.SetDefault("crawler.global_rps", 4.0)
	v.SetDefault("crawler.similarity_threshold", 0.96)
	v.SetDefault("crawler.stats_interval", 25)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Crawler.AllowedDomains) == 0 {
		return fmt.Errorf("crawler.allowed_domains must not be empty")
	}
	if c.Crawler.DelaySeconds <= 0 {
		return fmt.Errorf("crawler.delay_seconds must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.SimilarityThreshold <= 0 || c.Crawler.SimilarityThreshold > 1 {
		return fmt.Errorf("crawler.similarity_threshold must be in (0, 1]")
	}
	return nil
}

// Delay converts the politeness delay into a time.Duration.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawler.DelaySeconds * float64(time.Second))
}

// FetchTimeout converts the per-request timeout into a time.Duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}
