// Package config loads sdash settings. SDASH_* environment variables win
// over the TOML file, which wins over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/sdash/internal/application"
	"github.com/bnema/sdash/internal/domain"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".config/sdash"
	envPrefix  = "SDASH"

	DefaultListen = "127.0.0.1:8088"
)

type Config struct {
	API       APIConfig                 `mapstructure:"api"`
	Polling   PollingConfig             `mapstructure:"polling"`
	Resources map[string]ResourceConfig `mapstructure:"resources"`
	Store     StoreConfig               `mapstructure:"store"`
	Server    ServerConfig              `mapstructure:"server"`
	Log       LogConfig                 `mapstructure:"log"`
}

type APIConfig struct {
	// BaseURL resolves root-relative resource endpoints.
	BaseURL string `mapstructure:"base_url"`
}

type PollingConfig struct {
	// BaseInterval is the polling timer period.
	BaseInterval time.Duration `mapstructure:"base_interval"`
	// MaxRetries is the number of retries after a failed first attempt.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryBaseDelay is the wait before the first retry.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// ErrorThreshold is the count of consecutive failing fetches that
	// throttles polling.
	ErrorThreshold int `mapstructure:"error_threshold"`
	// CooldownMultiplier times BaseInterval is the throttle cooldown.
	CooldownMultiplier int           `mapstructure:"cooldown_multiplier"`
	StaggerMin         time.Duration `mapstructure:"stagger_min"`
	StaggerMax         time.Duration `mapstructure:"stagger_max"`
	// Debounce coalesces manual refresh requests.
	Debounce time.Duration `mapstructure:"debounce"`
}

type ResourceConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	// Multiplier times the base interval is the resource refresh period.
	Multiplier int  `mapstructure:"multiplier"`
	Enabled    bool `mapstructure:"enabled"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
}

var defaultResources = map[domain.ResourceName]ResourceConfig{
	domain.ResourceSessions:     {Endpoint: "/api/sessions", Multiplier: 1, Enabled: true},
	domain.ResourceParticipants: {Endpoint: "/api/participants", Multiplier: 2, Enabled: true},
	domain.ResourceRooms:        {Endpoint: "/api/salles", Multiplier: 4, Enabled: true},
	domain.ResourceActivityLog:  {Endpoint: "/api/activites", Multiplier: 2, Enabled: true},
}

// Dir is the directory holding the config file, snapshots and logs.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(homeDir, configDir), nil
}

// DefaultPath is where the config file lives unless --config says otherwise.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, configName+"."+configType), nil
}

// Default returns the built-in settings.
func Default() (Config, error) {
	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}

	opts := application.DefaultOptions()
	resources := make(map[string]ResourceConfig, len(defaultResources))
	for name, resource := range defaultResources {
		resources[string(name)] = resource
	}

	return Config{
		API: APIConfig{BaseURL: "http://localhost:8000"},
		Polling: PollingConfig{
			BaseInterval:       opts.BaseInterval,
			MaxRetries:         3,
			RetryBaseDelay:     500 * time.Millisecond,
			RequestTimeout:     15 * time.Second,
			ErrorThreshold:     opts.ErrorThreshold,
			CooldownMultiplier: opts.CooldownMultiplier,
			StaggerMin:         opts.StaggerMin,
			StaggerMax:         opts.StaggerMax,
			Debounce:           opts.Debounce,
		},
		Resources: resources,
		Store:     StoreConfig{Enabled: true, Path: filepath.Join(dir, "snapshots.db")},
		Server:    ServerConfig{Listen: DefaultListen},
		Log:       LogConfig{Level: "info", Format: "text"},
	}, nil
}

// Load reads path (or the default location when empty) into v and decodes
// the merged settings. A missing default file is not an error; a missing
// explicit one is.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	defaults, err := Default()
	if err != nil {
		return Config{}, err
	}
	setDefaults(v, defaults)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := Dir()
		if err != nil {
			return Config{}, err
		}
		v.SetConfigName(configName)
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("polling.base_interval", cfg.Polling.BaseInterval)
	v.SetDefault("polling.max_retries", cfg.Polling.MaxRetries)
	v.SetDefault("polling.retry_base_delay", cfg.Polling.RetryBaseDelay)
	v.SetDefault("polling.request_timeout", cfg.Polling.RequestTimeout)
	v.SetDefault("polling.error_threshold", cfg.Polling.ErrorThreshold)
	v.SetDefault("polling.cooldown_multiplier", cfg.Polling.CooldownMultiplier)
	v.SetDefault("polling.stagger_min", cfg.Polling.StaggerMin)
	v.SetDefault("polling.stagger_max", cfg.Polling.StaggerMax)
	v.SetDefault("polling.debounce", cfg.Polling.Debounce)
	for name, resource := range cfg.Resources {
		v.SetDefault("resources."+name+".endpoint", resource.Endpoint)
		v.SetDefault("resources."+name+".multiplier", resource.Multiplier)
		v.SetDefault("resources."+name+".enabled", resource.Enabled)
	}
	v.SetDefault("store.enabled", cfg.Store.Enabled)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("server.listen", cfg.Server.Listen)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

func (c Config) Validate() error {
	var errs []error

	if c.Polling.BaseInterval <= 0 {
		errs = append(errs, fmt.Errorf("polling.base_interval must be positive, got %s", c.Polling.BaseInterval))
	}
	if c.Polling.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("polling.max_retries must not be negative, got %d", c.Polling.MaxRetries))
	}
	if c.Polling.RetryBaseDelay < 0 {
		errs = append(errs, fmt.Errorf("polling.retry_base_delay must not be negative, got %s", c.Polling.RetryBaseDelay))
	}
	if c.Polling.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("polling.request_timeout must be positive, got %s", c.Polling.RequestTimeout))
	}
	if c.Polling.ErrorThreshold <= 0 {
		errs = append(errs, fmt.Errorf("polling.error_threshold must be positive, got %d", c.Polling.ErrorThreshold))
	}
	if c.Polling.CooldownMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("polling.cooldown_multiplier must be positive, got %d", c.Polling.CooldownMultiplier))
	}
	if c.Polling.StaggerMin < 0 || c.Polling.StaggerMin > c.Polling.StaggerMax {
		errs = append(errs, fmt.Errorf("polling.stagger_min %s must be between 0 and stagger_max %s", c.Polling.StaggerMin, c.Polling.StaggerMax))
	}
	if c.Polling.Debounce < 0 {
		errs = append(errs, fmt.Errorf("polling.debounce must not be negative, got %s", c.Polling.Debounce))
	}

	for name, resource := range c.Resources {
		if _, err := domain.ParseResourceName(name); err != nil {
			errs = append(errs, fmt.Errorf("resources.%s: %w", name, err))
			continue
		}
		if !resource.Enabled {
			continue
		}
		if resource.Multiplier <= 0 {
			errs = append(errs, fmt.Errorf("resources.%s.multiplier must be positive, got %d", name, resource.Multiplier))
		}
	}

	if c.Store.Enabled && strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required when the store is enabled"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}

// BuildResources builds the enabled resources in cycle order. applicable may
// supply a predicate per resource.
func (c Config) BuildResources(applicable map[domain.ResourceName]func() bool) ([]*domain.Resource, error) {
	resources := make([]*domain.Resource, 0, len(c.Resources))
	for _, name := range domain.ResourceOrder {
		settings, ok := c.Resources[string(name)]
		if !ok || !settings.Enabled {
			continue
		}

		resource := &domain.Resource{
			Name:          name,
			Endpoint:      strings.TrimSpace(settings.Endpoint),
			RefreshPeriod: c.Polling.BaseInterval * time.Duration(settings.Multiplier),
			Applicable:    applicable[name],
		}
		if err := resource.Validate(); err != nil {
			return nil, err
		}
		resources = append(resources, resource)
	}
	if len(resources) == 0 {
		return nil, errors.New("no resource is enabled")
	}

	return resources, nil
}

func (c Config) OrchestratorOptions() application.Options {
	return application.Options{
		BaseInterval:       c.Polling.BaseInterval,
		StaggerMin:         c.Polling.StaggerMin,
		StaggerMax:         c.Polling.StaggerMax,
		Debounce:           c.Polling.Debounce,
		ErrorThreshold:     c.Polling.ErrorThreshold,
		CooldownMultiplier: c.Polling.CooldownMultiplier,
	}
}

func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}

	return level, nil
}
