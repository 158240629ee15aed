// Package config loads terminal settings from defaults, an optional YAML
// file and POS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. POS_API_BASE_URL.
const EnvPrefix = "POS"

// Config is the resolved configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir"`
	DB        DBConfig        `mapstructure:"db" yaml:"db"`
	API       APIConfig       `mapstructure:"api" yaml:"api"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
}

type DBConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	TaxRate     string        `mapstructure:"tax_rate" yaml:"tax_rate"`
}

type NetworkConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

type LogConfig struct {
	File      string `mapstructure:"file" yaml:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
}

type SessionConfig struct {
	KeyFile         string `mapstructure:"key_file" yaml:"key_file"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// TaxRateDecimal parses Sync.TaxRate.
func (c *Config) TaxRateDecimal() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Sync.TaxRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid sync.tax_rate %q: %w", c.Sync.TaxRate, err)
	}
	return rate, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if rate, err := c.TaxRateDecimal(); err != nil {
		errs = append(errs, err)
	} else if rate.IsNegative() {
		errs = append(errs, errors.New("sync.tax_rate must not be negative"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	return errors.Join(errs...)
}

// DefaultDataDir returns ~/.pos, or .pos when there is no home directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pos"
	}
	return filepath.Join(home, ".pos")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("db.path", "")
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.settle_delay", 2*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.tax_rate", "0.10")
	v.SetDefault("network.probe_interval", 10*time.Second)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("session.key_file", "")
	v.SetDefault("session.credentials_file", "")
}

// Loader reads and watches configuration.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader. file may be empty, in which case pos.yaml is
// looked up in dataDir (or the default data directory). dataDir, when set,
// overrides data_dir from every other source.
func NewLoader(file, dataDir string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pos")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
	}
	return &Loader{v: v}
}

// Load reads the configuration. A missing optional pos.yaml is not an error;
// a missing explicit file is.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// resolvePaths fills file locations left empty with data_dir defaults.
func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(c.DataDir, "pos.db")
	}
	if c.Session.KeyFile == "" {
		c.Session.KeyFile = filepath.Join(c.DataDir, "session.key")
	}
	if c.Session.CredentialsFile == "" {
		c.Session.CredentialsFile = filepath.Join(c.DataDir, "credentials.enc")
	}
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file on change and passes each valid result to fn.
// Invalid edits are reported through onErr and the previous configuration
// stays current. Without a config file there is nothing to watch.
func (l *Loader) Watch(fn func(*Config), onErr func(error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		fn(cfg)
	})
	l.v.WatchConfig()
}
