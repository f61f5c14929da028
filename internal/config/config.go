// Package config loads and validates crawler configuration via Viper.
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
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the optional status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CrawlerConfig governs the crawl pipeline.
type CrawlerConfig struct {
	Workers        int      `mapstructure:"workers"`
	QueueDepth     int      `mapstructure:"queue_depth"`
	Countries      []string `mapstructure:"countries"`
	BaseURL        string   `mapstructure:"base_url"`
	CountryInfoURL string   `mapstructure:"country_info_url"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MinDelayMs     int      `mapstructure:"min_delay_ms"`
	MaxDelayMs     int      `mapstructure:"max_delay_ms"`
	UserAgents     []string `mapstructure:"user_agents"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Provider is "file" or "postgres".
	Provider     string `mapstructure:"provider"`
	DataDir      string `mapstructure:"data_dir"`
	ProgressPath string `mapstructure:"progress_path"`
	FailuresPath string `mapstructure:"failures_path"`
	DSN          string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.workers", 5)
	v.SetDefault("crawler.queue_depth", 0)
	v.SetDefault("crawler.countries", defaultCountries)
	v.SetDefault("crawler.base_url", "https://www.ubereats.com")
	v.SetDefault("crawler.country_info_url", "https://restcountries.com/v3.1/alpha/%s?fields=name")
	v.SetDefault("crawler.timeout_seconds", 10)
	v.SetDefault("crawler.min_delay_ms", 500)
	v.SetDefault("crawler.max_delay_ms", 1500)
	v.SetDefault("crawler.user_agents", defaultUserAgents)
	v.SetDefault("storage.provider", "file")
	v.SetDefault("storage.data_dir", "countries")
	v.SetDefault("storage.progress_path", "state/progress.txt")
	v.SetDefault("storage.failures_path", "state/failed_targets.json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if len(c.Crawler.Countries) == 0 {
		return fmt.Errorf("crawler.countries must not be empty")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.MinDelayMs < 0 || c.Crawler.MaxDelayMs < c.Crawler.MinDelayMs {
		return fmt.Errorf("crawler delay bounds are inverted")
	}
	if len(c.Crawler.UserAgents) == 0 {
		return fmt.Errorf("crawler.user_agents must not be empty")
	}
	switch c.Storage.Provider {
	case "file":
		if c.Storage.ProgressPath == "" || c.Storage.FailuresPath == "" {
			return fmt.Errorf("storage paths must be set for the file provider")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// Timeout converts the request timeout into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// MinDelay returns the lower politeness delay bound.
func (c Config) MinDelay() time.Duration {
	return time.Duration(c.Crawler.MinDelayMs) * time.Millisecond
}

// MaxDelay returns the upper politeness delay bound.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Crawler.MaxDelayMs) * time.Millisecond
}

var defaultCountries = []string{
	"uk", "au", "be", "ca", "cl", "cr", "do", "ec", "sv", "fr",
	"de", "gt", "ie", "jp", "ke", "mx", "nl", "nz", "pa", "pl",
	"pt", "za", "es", "lk", "se", "ch", "tw", "gb",
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.114 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.101 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 11_0_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:90.0) Gecko/20100101 Firefox/90.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 11_0_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.107 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/93.0.4577.82 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 11_1_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/93.0.4577.82 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:91.0) Gecko/20100101 Firefox/91.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 11_1_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/93.0.4577.82 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 12_0_0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:92.0) Gecko/20100101 Firefox/92.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 12_0_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/94.0.4606.81 Safari/537.36",
}
