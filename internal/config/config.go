package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultPath         = "config/config.yaml"
	defaultAddress      = ":4001"
	defaultDriver       = "bolt"
	defaultBoltPath     = "data/ledger.db"
	defaultDedupTTL     = 10 * time.Minute
	defaultReportPeriod = time.Hour
	defaultRedisPrefix  = "iap:dedup:"
)

type Config struct {
	Server struct {
		Address        string   `yaml:"address"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		// bolt, mysql or pgx
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Apple struct {
		SharedSecret string `yaml:"shared_secret"`
		BundleID     string `yaml:"bundle_id"`
	} `yaml:"apple"`
	Google struct {
		ServiceAccountJSON string `yaml:"service_account_json"`
		// ServiceAccountFile is read when ServiceAccountJSON is empty.
		ServiceAccountFile string `yaml:"service_account_file"`
	} `yaml:"google"`
	Dedup struct {
		TTLSeconds int `yaml:"ttl_seconds"`
	} `yaml:"dedup"`
	Ledger struct {
		ReportIntervalSeconds int `yaml:"report_interval_seconds"`
	} `yaml:"ledger"`
	// Features maps a paid feature name to the product id that unlocks it.
	Features map[string]string `yaml:"features"`
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	var cfg Config

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.loadServiceAccountFile(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Apple.SharedSecret, "APPLE_SHARED_SECRET")
	setString(&c.Google.ServiceAccountJSON, "GOOGLE_PLAY_SERVICE_ACCOUNT_JSON")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.Addr, "REDIS_ADDR")

	if v, err := readIntEnv("DEDUP_TTL_SECONDS"); err != nil {
		return fmt.Errorf("parse DEDUP_TTL_SECONDS: %w", err)
	} else if v != nil {
		c.Dedup.TTLSeconds = *v
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = defaultDriver
	}
	if c.Database.Driver == "bolt" && c.Database.URL == "" {
		c.Database.URL = defaultBoltPath
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = defaultRedisPrefix
	}
	if c.Dedup.TTLSeconds == 0 {
		c.Dedup.TTLSeconds = int(defaultDedupTTL / time.Second)
	}
	if c.Ledger.ReportIntervalSeconds == 0 {
		c.Ledger.ReportIntervalSeconds = int(defaultReportPeriod / time.Second)
	}
	if c.Features == nil {
		c.Features = map[string]string{}
	}
}

func (c *Config) loadServiceAccountFile() error {
	if c.Google.ServiceAccountJSON != "" || c.Google.ServiceAccountFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.Google.ServiceAccountFile)
	if err != nil {
		return fmt.Errorf("read google service account %s: %w", c.Google.ServiceAccountFile, err)
	}
	c.Google.ServiceAccountJSON = string(data)
	return nil
}

// Validate checks values Load cannot default.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "bolt", "mysql", "pgx":
	default:
		return fmt.Errorf("database.driver must be bolt, mysql or pgx, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required for driver %s", c.Database.Driver)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Dedup.TTLSeconds < 0 {
		return fmt.Errorf("dedup.ttl_seconds must be positive")
	}
	if c.Ledger.ReportIntervalSeconds < 0 {
		return fmt.Errorf("ledger.report_interval_seconds must be positive")
	}
	for name, product := range c.Features {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(product) == "" {
			return fmt.Errorf("features: empty feature name or product id")
		}
	}
	return nil
}

func (c Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

func (c Config) ReportInterval() time.Duration {
	return time.Duration(c.Ledger.ReportIntervalSeconds) * time.Second
}

func setString(dst *string, name string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
