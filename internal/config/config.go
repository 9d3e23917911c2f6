// Package config loads bililink settings from a YAML file with environment
// overrides. Every key has a default so the service also starts env-only.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env      string   `yaml:"env" env:"BILILINK_ENV" env-default:"local"`
	HTTP     HTTP     `yaml:"http"`
	DB       DB       `yaml:"db"`
	Bilibili Bilibili `yaml:"bilibili"`
	Login    Login    `yaml:"login"`
	Refresh  Refresh  `yaml:"refresh"`
	Verify   Verify   `yaml:"verify"`
	Cache    Cache    `yaml:"cache"`
	Rewards  Rewards  `yaml:"rewards"`
}

type HTTP struct {
	Address string `yaml:"address" env:"BILILINK_ADDR" env-default:"127.0.0.1:8090"`
	// AdminToken guards /api when set.
	AdminToken   string        `yaml:"admin_token" env:"BILILINK_ADMIN_TOKEN"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"BILILINK_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"BILILINK_HTTP_WRITE_TIMEOUT" env-default:"30s"`
}

type DB struct {
	Path string `yaml:"path" env:"BILILINK_DB_PATH" env-default:"bililink.db"`
	// LogLevel is one of silent, error, warn, info.
	LogLevel string `yaml:"log_level" env:"BILILINK_DB_LOG_LEVEL" env-default:"warn"`
}

type Bilibili struct {
	PassportBaseURL string        `yaml:"passport_base_url" env:"BILILINK_PASSPORT_BASE_URL" env-default:"https://passport.bilibili.com"`
	APIBaseURL      string        `yaml:"api_base_url" env:"BILILINK_API_BASE_URL" env-default:"https://api.bilibili.com"`
	WWWBaseURL      string        `yaml:"www_base_url" env:"BILILINK_WWW_BASE_URL" env-default:"https://www.bilibili.com"`
	UserAgent       string        `yaml:"user_agent" env:"BILILINK_USER_AGENT"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"BILILINK_CONNECT_TIMEOUT" env-default:"5s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"BILILINK_REQUEST_TIMEOUT" env-default:"10s"`
	// PublicKeyPEM overrides the built-in cookie refresh key.
	PublicKeyPEM string `yaml:"public_key_pem" env:"BILILINK_PUBLIC_KEY_PEM"`
}

type Login struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"BILILINK_LOGIN_POLL_INTERVAL" env-default:"2s"`
	TTL          time.Duration `yaml:"ttl" env:"BILILINK_LOGIN_TTL" env-default:"180s"`
}

type Refresh struct {
	// Disabled turns the background loop off; on-demand refresh still works.
	Disabled bool          `yaml:"disabled" env:"BILILINK_REFRESH_DISABLED"`
	Interval time.Duration `yaml:"interval" env:"BILILINK_REFRESH_INTERVAL" env-default:"6h"`
}

type Verify struct {
	// MinCoins is the smallest coin count that satisfies the coin action.
	MinCoins int `yaml:"min_coins" env:"BILILINK_VERIFY_MIN_COINS" env-default:"1"`
}

type Cache struct {
	CredentialTTL time.Duration `yaml:"credential_ttl" env:"BILILINK_CREDENTIAL_CACHE_TTL" env-default:"5m"`
}

type Rewards struct {
	// File is the reward template catalog. Empty means search the default paths.
	File string `yaml:"file" env:"BILILINK_REWARDS_FILE"`
}

// Load reads path when it is non-empty, otherwise only the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env config: %w", err)
		}
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main: it panics on any config error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Login.PollInterval <= 0 {
		return fmt.Errorf("login.poll_interval must be positive")
	}
	if c.Login.TTL < c.Login.PollInterval {
		return fmt.Errorf("login.ttl (%s) must not be shorter than login.poll_interval (%s)", c.Login.TTL, c.Login.PollInterval)
	}
	if c.Verify.MinCoins < 1 {
		return fmt.Errorf("verify.min_coins must be at least 1")
	}
	if !c.Refresh.Disabled && c.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be positive when refresh is enabled")
	}
	return nil
}
