package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"econdata/internal/request"
)

// EnvPrefix prefixes every environment override, e.g. ECONDATA_FRED_TOKEN.
const EnvPrefix = "ECONDATA"

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultStorePath = "econdata.db"
)

// Config holds all application configuration. Values come from the YAML
// file first; environment variables override them. Leaf keys come from field names via
// split_words; an envconfig tag would also read the unprefixed variable.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOG"`
	Banxico   ProviderConfig  `yaml:"banxico" envconfig:"BANXICO"`
	INEGI     INEGIConfig     `yaml:"inegi" envconfig:"INEGI"`
	FRED      ProviderConfig  `yaml:"fred" envconfig:"FRED"`
	WorldBank WorldBankConfig `yaml:"worldbank" envconfig:"WORLDBANK"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" split_words:"true" validate:"oneof=json text"`
}

// ProviderConfig is shared by every provider. Token is the Banxico and INEGI
// token, or the FRED and World Bank API key.
type ProviderConfig struct {
	BaseURL         string        `yaml:"base_url" split_words:"true" validate:"omitempty,url"`
	Token           string        `yaml:"token" split_words:"true"`
	Timeout         time.Duration `yaml:"timeout" split_words:"true" validate:"gte=0"`
	MaxAttempts     int           `yaml:"max_attempts" split_words:"true" validate:"gte=0,lte=20"`
	Backoff         time.Duration `yaml:"backoff" split_words:"true" validate:"gte=0"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec" split_words:"true" validate:"gte=0"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" split_words:"true" validate:"gte=0"`
	UserAgent       string        `yaml:"user_agent" split_words:"true"`
}

type INEGIConfig struct {
	ProviderConfig `yaml:",inline"`
	Language       string `yaml:"language" split_words:"true" validate:"omitempty,oneof=es en"`
	Area           string `yaml:"area" split_words:"true" validate:"omitempty,numeric"`
	Source         string `yaml:"source" split_words:"true" validate:"omitempty,oneof=BIE BISE"`
}

type WorldBankConfig struct {
	ProviderConfig `yaml:",inline"`
	Country        string `yaml:"country" split_words:"true" validate:"omitempty,min=2,max=3,alpha"`
}

type StoreConfig struct {
	Path string `yaml:"path" split_words:"true"`
}

// Request converts the shared settings into executor configuration. Provider
// constructors fill in the base URL, credentials and name.
func (p ProviderConfig) Request() request.Config {
	return request.Config{
		BaseURL:         p.BaseURL,
		Timeout:         p.Timeout,
		MaxAttempts:     p.MaxAttempts,
		Backoff:         p.Backoff,
		RateLimitPerSec: p.RateLimitPerSec,
		RateLimitBurst:  p.RateLimitBurst,
		UserAgent:       p.UserAgent,
	}
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}
}

// Validate checks field formats. Credentials are checked by each provider
// when it is constructed, since only the selected provider needs one.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config validation failed: %s has invalid value %v (%s)", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
