package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var ErrConfig = errors.New("configuration error")

// Config holds service configuration read from the environment and, when
// given, a YAML file. Environment variables win over the file.
type Config struct {
	Token       string
	DBPath      string
	Port        string
	LogLevel    slog.Level
	InstallLock time.Duration
}

// loadConfig reads service configuration and applies defaults. It returns an
// error wrapping ErrConfig when a required value is absent or malformed.
func loadConfig(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("db_path", "./lab_boot.db")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("install_lock_seconds", 0)
	for _, key := range []string{"api_token", "db_path", "port", "log_level", "install_lock_seconds"} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return nil, errors.Wrap(ErrConfig, err.Error())
		}
		defer fh.Close()

		if err := v.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	cfg := &Config{
		Token:  v.GetString("api_token"),
		DBPath: v.GetString("db_path"),
		Port:   v.GetString("port"),
	}
	if cfg.Token == "" {
		return nil, errors.Wrap(ErrConfig, "API_TOKEN is required")
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n < 1 || n > 65535 {
		return nil, errors.Wrapf(ErrConfig, "invalid PORT %q", cfg.Port)
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, errors.Wrapf(ErrConfig, "invalid LOG_LEVEL %q", v.GetString("log_level"))
	}

	secs, err := cast.ToIntE(v.Get("install_lock_seconds"))
	if err != nil || secs < 0 {
		return nil, errors.Wrapf(ErrConfig, "invalid INSTALL_LOCK_SECONDS %v", v.Get("install_lock_seconds"))
	}
	cfg.InstallLock = time.Duration(secs) * time.Second

	return cfg, nil
}
