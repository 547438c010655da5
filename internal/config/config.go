package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/storage"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config holds all application configuration
type Config struct {
	Folders  FoldersConfig  `mapstructure:"folders"`
	Fiscal   FiscalConfig   `mapstructure:"fiscal"`
	Tariff   TariffConfig   `mapstructure:"tariff"`
	QR       QRConfig       `mapstructure:"qr"`
	Stamp    StampConfig    `mapstructure:"stamp"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// FoldersConfig holds the working folders shared with the fiscal device
type FoldersConfig struct {
	Input   string `mapstructure:"input"`
	Output  string `mapstructure:"output"`
	Posting string `mapstructure:"posting"`
	Sent    string `mapstructure:"sent"`
	Fail    string `mapstructure:"fail"`
	QR      string `mapstructure:"qr"`
	Work    string `mapstructure:"work"`
}

// FiscalConfig holds posting and response correlation settings
type FiscalConfig struct {
	PostingPrefix   string        `mapstructure:"posting_prefix"`
	ResponsePrefix  string        `mapstructure:"response_prefix"`
	WaitTimeout     time.Duration `mapstructure:"wait_timeout"`
	ParseRetries    int           `mapstructure:"parse_retries"`
	ParseRetryDelay time.Duration `mapstructure:"parse_retry_delay"`
	ResponseSettle  time.Duration `mapstructure:"response_settle"`
}

// TariffConfig holds HS code reference settings
type TariffConfig struct {
	ReferencePath string            `mapstructure:"reference_path"`
	MinFuzzyVotes int               `mapstructure:"min_fuzzy_votes"`
	FallbackCodes map[string]string `mapstructure:"fallback_codes"`
}

// QRConfig holds QR rendering settings
type QRConfig struct {
	ModulePixels int `mapstructure:"module_pixels"`
}

// StampConfig holds PDF stamp geometry, in points
type StampConfig struct {
	QRSize   float64 `mapstructure:"qr_size"`
	QRX      float64 `mapstructure:"qr_x"`
	QRY      float64 `mapstructure:"qr_y"`
	TextX    float64 `mapstructure:"text_x"`
	TextY    float64 `mapstructure:"text_y"`
	FontSize int     `mapstructure:"font_size"`
}

// StorageConfig holds file write retry settings
type StorageConfig struct {
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBaseBackoff  time.Duration `mapstructure:"retry_base_backoff"`
	RetryMaxBackoff   time.Duration `mapstructure:"retry_max_backoff"`
	RestrictToFolders bool          `mapstructure:"restrict_to_folders"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	QueueSize    int           `mapstructure:"queue_size"`
	WatchInput   bool          `mapstructure:"watch_input"`
	WatchSettle  time.Duration `mapstructure:"watch_settle"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables.
// An empty configPath runs on defaults and environment alone.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Override with environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads an optional .env file into the process environment
func loadDotEnv(path string) error {
	err := gotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Folder defaults
	v.SetDefault("folders.input", "data/input")
	v.SetDefault("folders.output", "data/output")
	v.SetDefault("folders.posting", "data/posting")
	v.SetDefault("folders.sent", "data/sent")
	v.SetDefault("folders.fail", "data/fail")
	v.SetDefault("folders.qr", "data/qr")
	v.SetDefault("folders.work", "data/work")

	// Fiscal defaults
	v.SetDefault("fiscal.posting_prefix", "SI_")
	v.SetDefault("fiscal.response_prefix", "R_")
	v.SetDefault("fiscal.wait_timeout", 2*time.Minute)
	v.SetDefault("fiscal.parse_retries", 3)
	v.SetDefault("fiscal.parse_retry_delay", 250*time.Millisecond)
	v.SetDefault("fiscal.response_settle", 2*time.Second)

	// Tariff defaults
	v.SetDefault("tariff.reference_path", "data/reference/hs_codes.xlsx")
	v.SetDefault("tariff.min_fuzzy_votes", 2)
	v.SetDefault("tariff.fallback_codes", map[string]string{
		"herbicides":   "38089390",
		"insecticides": "38089190",
		"fungicides":   "38089290",
	})

	// QR defaults
	v.SetDefault("qr.module_pixels", 4)

	// Stamp defaults
	v.SetDefault("stamp.qr_size", 50.0)
	v.SetDefault("stamp.qr_x", 5.0)
	v.SetDefault("stamp.qr_y", 20.0)
	v.SetDefault("stamp.text_x", 60.0)
	v.SetDefault("stamp.text_y", 20.0)
	v.SetDefault("stamp.font_size", 6)

	// Storage defaults
	v.SetDefault("storage.retry_attempts", 3)
	v.SetDefault("storage.retry_base_backoff", 200*time.Millisecond)
	v.SetDefault("storage.retry_max_backoff", 2*time.Second)
	v.SetDefault("storage.restrict_to_folders", true)

	// Database defaults
	v.SetDefault("database.path", "data/fiscalizer.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_dir", "")

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.queue_size", 16)
	v.SetDefault("server.watch_input", false)
	v.SetDefault("server.watch_settle", 2*time.Second)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("folders.input", "FISCALIZER_INPUT_DIR")
	v.BindEnv("folders.output", "FISCALIZER_OUTPUT_DIR")
	v.BindEnv("folders.posting", "FISCALIZER_POSTING_DIR")
	v.BindEnv("folders.sent", "FISCALIZER_SENT_DIR")
	v.BindEnv("folders.fail", "FISCALIZER_FAIL_DIR")
	v.BindEnv("tariff.reference_path", "FISCALIZER_TARIFF_FILE")
	v.BindEnv("database.path", "FISCALIZER_DB_PATH")
	v.BindEnv("server.port", "FISCALIZER_PORT")
	v.BindEnv("logger.level", "FISCALIZER_LOG_LEVEL")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	folders := map[string]string{
		"folders.input":   c.Folders.Input,
		"folders.output":  c.Folders.Output,
		"folders.posting": c.Folders.Posting,
		"folders.sent":    c.Folders.Sent,
		"folders.fail":    c.Folders.Fail,
		"folders.qr":      c.Folders.QR,
		"folders.work":    c.Folders.Work,
	}
	for key, dir := range folders {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%s is required", key)
		}
	}

	if c.Fiscal.PostingPrefix == "" {
		return fmt.Errorf("fiscal.posting_prefix is required")
	}
	if c.Fiscal.WaitTimeout <= 0 {
		return fmt.Errorf("fiscal.wait_timeout must be positive")
	}

	if c.Tariff.MinFuzzyVotes < 1 {
		return fmt.Errorf("tariff.min_fuzzy_votes must be at least 1")
	}
	if _, err := c.FallbackCodes(); err != nil {
		return err
	}

	if c.QR.ModulePixels < 1 {
		return fmt.Errorf("qr.module_pixels must be at least 1")
	}
	if c.Stamp.QRSize <= 0 || c.Stamp.FontSize <= 0 {
		return fmt.Errorf("stamp.qr_size and stamp.font_size must be positive")
	}

	if c.Storage.RetryAttempts < 1 {
		return fmt.Errorf("storage.retry_attempts must be at least 1")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// FallbackCodes returns the configured category fallback HS codes
func (c *Config) FallbackCodes() (map[models.Category]string, error) {
	codes := make(map[models.Category]string, len(c.Tariff.FallbackCodes))
	for key, code := range c.Tariff.FallbackCodes {
		category := models.Category(strings.ToUpper(key))
		if !category.IsValid() {
			return nil, fmt.Errorf("tariff.fallback_codes: unknown category %q", key)
		}
		codes[category] = code
	}
	return codes, nil
}

// StorageFolders returns the folder set for storage.FolderManager
func (c *Config) StorageFolders() storage.Folders {
	return storage.Folders{
		Input:   c.Folders.Input,
		Output:  c.Folders.Output,
		Posting: c.Folders.Posting,
		Sent:    c.Folders.Sent,
		Fail:    c.Folders.Fail,
		QR:      c.Folders.QR,
		Work:    c.Folders.Work,
	}
}

// RetryStrategy builds the storage retry policy
func (c *Config) RetryStrategy() *storage.RetryStrategy {
	retry := storage.NewRetryStrategy()
	retry.MaxAttempts = c.Storage.RetryAttempts
	if c.Storage.RetryBaseBackoff > 0 {
		retry.BaseBackoff = c.Storage.RetryBaseBackoff
	}
	if c.Storage.RetryMaxBackoff > 0 {
		retry.MaxBackoff = c.Storage.RetryMaxBackoff
	}
	return retry
}

// Addr returns the HTTP listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
