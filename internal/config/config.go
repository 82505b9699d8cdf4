// Package config provides configuration management for tradebars.
// Configuration is layered: built-in defaults, then an optional JSON file,
// then TRADEBARS_* environment variables, and is validated as a whole.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-multierror"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TRADEBARS_"

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "tradebars.json"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	ConfigPath string `json:"-"`

	Exchange      ExchangeConfig      `json:"exchange"`
	Download      DownloadConfig      `json:"download"`
	Resample      ResampleConfig      `json:"resample"`
	Output        OutputConfig        `json:"output"`
	Logging       LoggingConfig       `json:"logging"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling"`
}

// ExchangeConfig configures HTTP access to the exchanges
type ExchangeConfig struct {
	Timeout    string  `json:"timeout"`     // HTTP request timeout
	RateLimit  float64 `json:"rate_limit"`  // Requests per second
	Burst      int     `json:"burst"`       // Limiter burst size
	UserAgent  string  `json:"user_agent"`  // User-Agent header
	KlineLimit int     `json:"kline_limit"` // Rows per kline page

	// Base URL overrides, mainly for tests and mirrors.
	BinanceArchiveURL string `json:"binance_archive_url"`
	BybitArchiveURL   string `json:"bybit_archive_url"`
	BinanceSpotAPI    string `json:"binance_spot_api"`
	BinanceUMAPI      string `json:"binance_um_api"`
	BinanceCMAPI      string `json:"binance_cm_api"`
	BybitAPI          string `json:"bybit_api"`
}

// DownloadConfig configures archive downloads
type DownloadConfig struct {
	OutputDir      string `json:"output_dir"`
	VerifyChecksum bool   `json:"verify_checksum"` // Binance only
	KeepArchive    bool   `json:"keep_archive"`    // Keep the .zip/.gz next to the extracted file
	Workers        int    `json:"workers"`         // Concurrent archives for date ranges
}

// ResampleConfig configures trade resampling
type ResampleConfig struct {
	IntervalSeconds int64  `json:"interval_seconds"`
	GapPolicy       string `json:"gap_policy"` // compat, fill
	TimeUnit        string `json:"time_unit"`  // auto, s, ms, us
	Layout          string `json:"layout"`     // auto, binance, bybit
	BatchSize       int    `json:"batch_size"` // Bars per sink write
}

// OutputConfig configures where bars are written
type OutputConfig struct {
	Format           string `json:"format"` // table, csv, json, parquet, duckdb
	Path             string `json:"path"`   // Empty means stdout for text formats
	IncludeAggressor bool   `json:"include_aggressor"`
	Table            string `json:"table"` // DuckDB table name
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level"`       // debug, info, warn, error
	Format        string            `json:"format"`      // json, text
	Output        string            `json:"output"`      // stdout, stderr, file
	FilePath      string            `json:"file_path"`   // Log file path
	MaxSize       int               `json:"max_size"`    // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age"`     // Maximum log file age in days
	Compress      bool              `json:"compress"`    // Compress rotated files
	ContextFields map[string]string `json:"context_fields"`
}

// ErrorHandlingConfig configures retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy RetryPolicyConfig            `json:"global_retry_policy"`
	ComponentPolicies map[string]RetryPolicyConfig `json:"component_policies"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts"`     // Total attempts including the first
	InitialDelay    string   `json:"initial_delay"`    // Initial delay between retries
	MaxDelay        string   `json:"max_delay"`        // Maximum delay between retries
	BackoffStrategy string   `json:"backoff_strategy"` // fixed, exponential, linear
	RetryableErrors []string `json:"retryable_errors"` // Extra error types to retry
	Jitter          bool     `json:"jitter"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
	getenv     func(string) string
}

// NewConfigManager creates a new configuration manager. An empty configPath
// falls back to DefaultConfigFile when that file exists.
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
		getenv:     os.Getenv,
	}
}

// LoadConfig loads configuration with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	path := cm.configPath
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := cm.loadFromFile(config, path, explicit); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", config.ConfigPath,
		"output_format", config.Output.Format,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile merges a JSON file into config. A missing file is only an
// error when the path was given explicitly.
func (cm *ConfigManager) loadFromFile(config *AppConfig, path string, explicit bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return fmt.Errorf("config file %s does not exist", path)
		}
		cm.logger.Debug("config file does not exist, using defaults", "path", path)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := sonic.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ConfigPath = path
	cm.logger.Debug("loaded configuration from file", "path", path)
	return nil
}

// loadFromEnv overrides config from TRADEBARS_* variables. Malformed numeric
// or boolean values are reported rather than ignored.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var result *multierror.Error

	str := func(name string, dst *string) {
		if val := cm.getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val := cm.getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if val := cm.getenv(EnvPrefix + name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	// Exchange
	str("HTTP_TIMEOUT", &config.Exchange.Timeout)
	str("USER_AGENT", &config.Exchange.UserAgent)
	if val := cm.getenv(EnvPrefix + "RATE_LIMIT"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err))
		} else {
			config.Exchange.RateLimit = f
		}
	}
	integer("RATE_BURST", &config.Exchange.Burst)
	integer("KLINE_LIMIT", &config.Exchange.KlineLimit)
	str("BINANCE_ARCHIVE_URL", &config.Exchange.BinanceArchiveURL)
	str("BYBIT_ARCHIVE_URL", &config.Exchange.BybitArchiveURL)
	str("BINANCE_SPOT_API", &config.Exchange.BinanceSpotAPI)
	str("BINANCE_UM_API", &config.Exchange.BinanceUMAPI)
	str("BINANCE_CM_API", &config.Exchange.BinanceCMAPI)
	str("BYBIT_API", &config.Exchange.BybitAPI)

	// Download
	str("OUTPUT_DIR", &config.Download.OutputDir)
	boolean("VERIFY_CHECKSUM", &config.Download.VerifyChecksum)
	boolean("KEEP_ARCHIVE", &config.Download.KeepArchive)
	integer("DOWNLOAD_WORKERS", &config.Download.Workers)

	// Resample
	if val := cm.getenv(EnvPrefix + "INTERVAL"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%sINTERVAL: %w", EnvPrefix, err))
		} else {
			config.Resample.IntervalSeconds = n
		}
	}
	str("GAP_POLICY", &config.Resample.GapPolicy)
	str("TIME_UNIT", &config.Resample.TimeUnit)
	str("LAYOUT", &config.Resample.Layout)
	integer("BATCH_SIZE", &config.Resample.BatchSize)

	// Output
	str("FORMAT", &config.Output.Format)
	str("OUT", &config.Output.Path)
	boolean("INCLUDE_AGGRESSOR", &config.Output.IncludeAggressor)
	str("DUCKDB_TABLE", &config.Output.Table)

	// Logging
	str("LOG_LEVEL", &config.Logging.Level)
	str("LOG_FORMAT", &config.Logging.Format)
	str("LOG_OUTPUT", &config.Logging.Output)
	str("LOG_FILE_PATH", &config.Logging.FilePath)

	// Retry
	integer("RETRY_ATTEMPTS", &config.ErrorHandling.GlobalRetryPolicy.MaxAttempts)

	return result.ErrorOrNil()
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
	validLogOutputs = map[string]bool{"stdout": true, "stderr": true, "file": true}
	validFormats    = map[string]bool{"table": true, "csv": true, "json": true, "parquet": true, "duckdb": true}
	validGapPolicy  = map[string]bool{"compat": true, "fill": true}
	validTimeUnits  = map[string]bool{"auto": true, "s": true, "ms": true, "us": true}
	validLayouts    = map[string]bool{"auto": true, "binance": true, "bybit": true}
	validBackoff    = map[string]bool{"fixed": true, "exponential": true, "linear": true}
)

// validateConfig checks every section and reports all problems at once.
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	// Exchange
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		add("exchange.timeout is not a valid duration: %v", err)
	}
	if config.Exchange.RateLimit <= 0 {
		add("exchange.rate_limit must be greater than 0")
	}
	if config.Exchange.Burst <= 0 {
		add("exchange.burst must be greater than 0")
	}
	if config.Exchange.KlineLimit <= 0 || config.Exchange.KlineLimit > 1000 {
		add("exchange.kline_limit must be between 1 and 1000")
	}

	// Download
	if config.Download.OutputDir == "" {
		add("download.output_dir is required")
	}
	if config.Download.Workers <= 0 {
		add("download.workers must be greater than 0")
	}

	// Resample
	if config.Resample.IntervalSeconds < 0 {
		add("resample.interval_seconds must not be negative")
	}
	if !validGapPolicy[config.Resample.GapPolicy] {
		add("resample.gap_policy must be one of: compat, fill")
	}
	if !validTimeUnits[config.Resample.TimeUnit] {
		add("resample.time_unit must be one of: auto, s, ms, us")
	}
	if !validLayouts[config.Resample.Layout] {
		add("resample.layout must be one of: auto, binance, bybit")
	}
	if config.Resample.BatchSize <= 0 {
		add("resample.batch_size must be greater than 0")
	}

	// Output
	if !validFormats[config.Output.Format] {
		add("output.format must be one of: table, csv, json, parquet, duckdb")
	}
	if (config.Output.Format == "parquet" || config.Output.Format == "duckdb") && config.Output.Path == "" {
		add("output.path is required for %s output", config.Output.Format)
	}
	if config.Output.Format == "duckdb" && config.Output.Table == "" {
		add("output.table is required for duckdb output")
	}

	// Logging
	if !validLogLevels[config.Logging.Level] {
		add("logging.level must be one of: debug, info, warn, error")
	}
	if !validLogFormats[config.Logging.Format] {
		add("logging.format must be one of: json, text")
	}
	if !validLogOutputs[config.Logging.Output] {
		add("logging.output must be one of: stdout, stderr, file")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		add("logging.file_path is required when logging.output is file")
	}

	// Retry policies
	cm.validateRetryPolicy(&result, "error_handling.global_retry_policy", config.ErrorHandling.GlobalRetryPolicy)
	for name, policy := range config.ErrorHandling.ComponentPolicies {
		cm.validateRetryPolicy(&result, "error_handling.component_policies."+name, policy)
	}

	return result.ErrorOrNil()
}

func (cm *ConfigManager) validateRetryPolicy(result **multierror.Error, prefix string, p RetryPolicyConfig) {
	if p.MaxAttempts <= 0 {
		*result = multierror.Append(*result, fmt.Errorf("%s.max_attempts must be greater than 0", prefix))
	}
	if _, err := time.ParseDuration(p.InitialDelay); err != nil {
		*result = multierror.Append(*result, fmt.Errorf("%s.initial_delay is not a valid duration: %v", prefix, err))
	}
	if _, err := time.ParseDuration(p.MaxDelay); err != nil {
		*result = multierror.Append(*result, fmt.Errorf("%s.max_delay is not a valid duration: %v", prefix, err))
	}
	if !validBackoff[p.BackoffStrategy] {
		*result = multierror.Append(*result, fmt.Errorf("%s.backoff_strategy must be one of: fixed, exponential, linear", prefix))
	}
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration as indented JSON to path.
func (cm *ConfigManager) SaveConfig(ctx context.Context, path string) error {
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}
	if path == "" {
		return fmt.Errorf("no config path specified")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := sonic.ConfigStd.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", path)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "tradebars",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			Timeout:           "30s",
			RateLimit:         5,
			Burst:             1,
			UserAgent:         "tradebars/1.0",
			KlineLimit:        1000,
			BinanceArchiveURL: "https://data.binance.vision",
			BybitArchiveURL:   "https://public.bybit.com",
			BinanceSpotAPI:    "https://api.binance.com",
			BinanceUMAPI:      "https://fapi.binance.com",
			BinanceCMAPI:      "https://dapi.binance.com",
			BybitAPI:          "https://api.bybit.com",
		},
		Download: DownloadConfig{
			OutputDir:      ".",
			VerifyChecksum: false,
			KeepArchive:    false,
			Workers:        4,
		},
		Resample: ResampleConfig{
			IntervalSeconds: 0,
			GapPolicy:       "compat",
			TimeUnit:        "auto",
			Layout:          "auto",
			BatchSize:       1000,
		},
		Output: OutputConfig{
			Format:           "table",
			IncludeAggressor: true,
			Table:            "bars",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "tradebars",
			},
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "rate_limit", "server_error"},
				Jitter:          true,
			},
			ComponentPolicies: map[string]RetryPolicyConfig{
				"download": {
					MaxAttempts:     5,
					InitialDelay:    "2s",
					MaxDelay:        "1m",
					BackoffStrategy: "exponential",
					Jitter:          true,
				},
			},
		},
	}
}

// HTTPTimeout returns the parsed exchange timeout.
func (c *AppConfig) HTTPTimeout() time.Duration {
	return c.Exchange.HTTPTimeout()
}

// HTTPTimeout returns the parsed timeout, 30s when unset or invalid.
func (e ExchangeConfig) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// String returns the configuration as indented JSON
func (c *AppConfig) String() string {
	data, _ := sonic.ConfigStd.MarshalIndent(c, "", "  ")
	return string(data)
}
