package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configFileMode  = 0o600
	configDirMode   = 0o700
	tempFilePattern = ".config-*.toml.tmp"
)

// ErrConfigExists is returned by WriteFile when the target exists and
// overwriting was not requested.
var ErrConfigExists = errors.New("config file already exists")

// fileSchema is the on-disk layout; durations are written as Go duration
// strings so the file reads the way users type it.
type fileSchema struct {
	API       apiSchema                 `toml:"api"`
	Polling   pollingSchema             `toml:"polling"`
	Resources map[string]resourceSchema `toml:"resources"`
	Store     storeSchema               `toml:"store"`
	Server    serverSchema              `toml:"server"`
	Log       logSchema                 `toml:"log"`
}

type apiSchema struct {
	BaseURL string `toml:"base_url"`
}

type pollingSchema struct {
	BaseInterval       string `toml:"base_interval"`
	MaxRetries         int    `toml:"max_retries"`
	RetryBaseDelay     string `toml:"retry_base_delay"`
	RequestTimeout     string `toml:"request_timeout"`
	ErrorThreshold     int    `toml:"error_threshold"`
	CooldownMultiplier int    `toml:"cooldown_multiplier"`
	StaggerMin         string `toml:"stagger_min"`
	StaggerMax         string `toml:"stagger_max"`
	Debounce           string `toml:"debounce"`
}

type resourceSchema struct {
	Endpoint   string `toml:"endpoint"`
	Multiplier int    `toml:"multiplier"`
	Enabled    bool   `toml:"enabled"`
}

type storeSchema struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type serverSchema struct {
	Listen string `toml:"listen"`
}

type logSchema struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func toSchema(cfg Config) fileSchema {
	resources := make(map[string]resourceSchema, len(cfg.Resources))
	for name, resource := range cfg.Resources {
		resources[name] = resourceSchema{
			Endpoint:   resource.Endpoint,
			Multiplier: resource.Multiplier,
			Enabled:    resource.Enabled,
		}
	}

	return fileSchema{
		API: apiSchema{BaseURL: cfg.API.BaseURL},
		Polling: pollingSchema{
			BaseInterval:       cfg.Polling.BaseInterval.String(),
			MaxRetries:         cfg.Polling.MaxRetries,
			RetryBaseDelay:     cfg.Polling.RetryBaseDelay.String(),
			RequestTimeout:     cfg.Polling.RequestTimeout.String(),
			ErrorThreshold:     cfg.Polling.ErrorThreshold,
			CooldownMultiplier: cfg.Polling.CooldownMultiplier,
			StaggerMin:         cfg.Polling.StaggerMin.String(),
			StaggerMax:         cfg.Polling.StaggerMax.String(),
			Debounce:           cfg.Polling.Debounce.String(),
		},
		Resources: resources,
		Store:     storeSchema{Enabled: cfg.Store.Enabled, Path: cfg.Store.Path},
		Server:    serverSchema{Listen: cfg.Server.Listen},
		Log:       logSchema{Level: cfg.Log.Level, Format: cfg.Log.Format},
	}
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(toSchema(cfg))
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}

	return data, nil
}

// WriteFile atomically writes cfg to path through a temp file and rename.
func WriteFile(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat config file: %w", err)
		}
	}

	data, err := Encode(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), configDirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}

	if err := tempFile.Chmod(configFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}

	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}

	cleanup = false

	return nil
}
