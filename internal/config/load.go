package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "KBUPLOAD"
	configName     = "kbupload"
	defaultBaseURL = "http://localhost:5000"
)

// Load reads configuration from defaults, an optional YAML file and the
// environment (KBUPLOAD_ prefix, plus the bare DATABASE_URL and LOG_LEVEL).
// Environment variables take precedence over the file. An explicit path that
// cannot be read is an error; a missing default file is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("database.url", envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind database url: %w", err)
	}
	if err := v.BindEnv("log.level", envPrefix+"_LOG_LEVEL", "LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("failed to bind log level: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags plus cross-field storage rules.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterStructValidation(validateStorage, StorageConfig{})

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validateStorage(sl validator.StructLevel) {
	sc := sl.Current().Interface().(StorageConfig)
	if sc.Backend == "s3" && sc.S3.Bucket == "" {
		sl.ReportError(sc.S3.Bucket, "Bucket", "bucket", "required_for_s3", "")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", defaultBaseURL)
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 600*time.Second)
	v.SetDefault("api.retry_count", 3)

	v.SetDefault("upload.concurrency", 2)
	v.SetDefault("upload.poll_interval", 3*time.Second)
	v.SetDefault("upload.transfer_timeout", 10*time.Minute)
	v.SetDefault("upload.poll_timeout", 30*time.Second)
	v.SetDefault("upload.max_poll_errors", 0)

	v.SetDefault("database.url", "sqlite://./kbupload.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("storage.backend", "http")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.base_endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
}
