package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port               string          `json:"port"`
	LogLevel           string          `json:"logLevel"`
	StacksAPIURL       string          `json:"stacksApiUrl"`
	SignerURL          string          `json:"signerUrl"`
	SignerAddress      string          `json:"signerAddress"`
	MineInterval       time.Duration   `json:"mineInterval"`
	MaxBatchSize       int             `json:"maxBatchSize"`
	VerifySignatures   bool            `json:"verifySignatures"`
	RateLimitPerMinute int             `json:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64           `json:"maxBodySizeBytes"`
	HTTPClientTimeout  time.Duration   `json:"httpClientTimeout"`
	ShutdownTimeout    time.Duration   `json:"shutdownTimeout"`
	APIAuthSecret      string          `json:"-"`
	RequireAPIAuth     bool            `json:"requireApiAuth"`
	Contracts          ContractsConfig `json:"contracts"`
}

// Default values
const (
	DefaultPort               = "8080"
	DefaultLogLevel           = "info"
	DefaultStacksAPIURL       = "https://api.hiro.so"
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20 // 1MB
	DefaultHTTPClientTimeout  = 30 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
)

// fileConfig mirrors Config as written in a config file. Durations are
// strings and pointers mark values that were actually set.
type fileConfig struct {
	Port               string           `yaml:"port" json:"port"`
	LogLevel           string           `yaml:"log_level" json:"log_level"`
	StacksAPIURL       string           `yaml:"stacks_api_url" json:"stacks_api_url"`
	SignerURL          string           `yaml:"signer_url" json:"signer_url"`
	SignerAddress      string           `yaml:"signer_address" json:"signer_address"`
	MineInterval       string           `yaml:"mine_interval" json:"mine_interval"`
	MaxBatchSize       int              `yaml:"max_batch_size" json:"max_batch_size"`
	VerifySignatures   *bool            `yaml:"verify_signatures" json:"verify_signatures"`
	RateLimitPerMinute int              `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	MaxBodySizeBytes   int64            `yaml:"max_body_size_bytes" json:"max_body_size_bytes"`
	HTTPClientTimeout  string           `yaml:"http_client_timeout" json:"http_client_timeout"`
	ShutdownTimeout    string           `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	APIAuthSecret      string           `yaml:"api_auth_secret" json:"api_auth_secret"`
	RequireAPIAuth     *bool            `yaml:"require_api_auth" json:"require_api_auth"`
	Contracts          *ContractsConfig `yaml:"contracts" json:"contracts"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Port:               DefaultPort,
		LogLevel:           DefaultLogLevel,
		StacksAPIURL:       DefaultStacksAPIURL,
		MaxBatchSize:       DefaultMaxBatchSize,
		VerifySignatures:   true,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		MaxBodySizeBytes:   DefaultMaxBodySizeBytes,
		HTTPClientTimeout:  DefaultHTTPClientTimeout,
		ShutdownTimeout:    DefaultShutdownTimeout,
		Contracts:          DefaultContracts(),
	}
}

// LoadConfig builds the configuration from defaults, then the file named by
// CONFIG_FILE, then environment variables
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileCfg, err := LoadConfigFromFile(path)
		if err != nil {
			logger.Warn("Failed to load config file, using defaults", "path", path, "error", err)
		} else {
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)
	return cfg
}

// LoadConfigFromFile reads a YAML or JSON config file on top of the defaults
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &fc)
	} else {
		err = yaml.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := fc.apply(cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg *Config) error {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.StacksAPIURL != "" {
		cfg.StacksAPIURL = fc.StacksAPIURL
	}
	if fc.SignerURL != "" {
		cfg.SignerURL = fc.SignerURL
	}
	if fc.SignerAddress != "" {
		cfg.SignerAddress = fc.SignerAddress
	}
	if fc.MaxBatchSize > 0 {
		cfg.MaxBatchSize = fc.MaxBatchSize
	}
	if fc.VerifySignatures != nil {
		cfg.VerifySignatures = *fc.VerifySignatures
	}
	if fc.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes > 0 {
		cfg.MaxBodySizeBytes = fc.MaxBodySizeBytes
	}
	if fc.APIAuthSecret != "" {
		cfg.APIAuthSecret = fc.APIAuthSecret
	}
	if fc.RequireAPIAuth != nil {
		cfg.RequireAPIAuth = *fc.RequireAPIAuth
	}
	if fc.Contracts != nil {
		cfg.Contracts = *fc.Contracts
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"mine_interval", fc.MineInterval, &cfg.MineInterval},
		{"http_client_timeout", fc.HTTPClientTimeout, &cfg.HTTPClientTimeout},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if apiURL := os.Getenv("STACKS_API_URL"); apiURL != "" {
		cfg.StacksAPIURL = apiURL
	}

	if signerURL := os.Getenv("SIGNER_URL"); signerURL != "" {
		cfg.SignerURL = signerURL
	}

	if signerAddress := os.Getenv("SIGNER_ADDRESS"); signerAddress != "" {
		cfg.SignerAddress = signerAddress
	}

	envDuration("MINE_INTERVAL", &cfg.MineInterval)
	envPositiveInt("MAX_BATCH_SIZE", &cfg.MaxBatchSize)
	envBool("VERIFY_SIGNATURES", &cfg.VerifySignatures)
	envPositiveInt("RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute)
	envPositiveInt64("MAX_BODY_SIZE_BYTES", &cfg.MaxBodySizeBytes)
	envDuration("HTTP_CLIENT_TIMEOUT", &cfg.HTTPClientTimeout)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if secret := os.Getenv("API_AUTH_SECRET"); secret != "" {
		cfg.APIAuthSecret = secret
	}

	envBool("REQUIRE_API_AUTH", &cfg.RequireAPIAuth)
}

func warnInvalidEnv(name, value string, err error) {
	logger.Warn("Invalid environment value, ignoring", "name", name, "value", value, "error", err)
}

func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		warnInvalidEnv(name, v, err)
		return
	}
	*dst = d
}

func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		warnInvalidEnv(name, v, err)
		return
	}
	*dst = b
}

func envPositiveInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil && n <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		warnInvalidEnv(name, v, err)
		return
	}
	*dst = n
}

func envPositiveInt64(name string, dst *int64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err == nil && n <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		warnInvalidEnv(name, v, err)
		return
	}
	*dst = n
}

// Validate checks the configuration for values the node cannot start with
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.StacksAPIURL == "" {
		return fmt.Errorf("stacks_api_url is required")
	}
	if c.MineInterval < 0 {
		return fmt.Errorf("mine_interval must not be negative")
	}
	if c.RequireAPIAuth && c.APIAuthSecret == "" {
		return fmt.Errorf("require_api_auth is set but api_auth_secret is empty")
	}
	return c.Contracts.Validate()
}
