package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-decodes the config file held by v whenever it is written and
// hands valid results to onChange. Invalid edits are logged and ignored.
// It reports false when v has no file to watch.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(Config)) bool {
	if v == nil || v.ConfigFileUsed() == "" {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config change ignored", "file", event.Name, "err", err)
			return
		}

		logger.Info("config reloaded", "file", event.Name)
		onChange(cfg)
	})
	v.WatchConfig()

	return true
}
