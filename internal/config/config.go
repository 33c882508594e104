// Package config loads and validates kbupload settings.
package config

import "time"

// Config holds all application configuration.
type Config struct {
	API      APIConfig      `mapstructure:"api" validate:"required"`
	Upload   UploadConfig   `mapstructure:"upload" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Log      LogConfig      `mapstructure:"log" validate:"required"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Storage  StorageConfig  `mapstructure:"storage" validate:"required"`
}

// APIConfig describes the remote ingestion API.
type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetryCount int           `mapstructure:"retry_count" validate:"gte=0,lte=10"`
}

// UploadConfig tunes the orchestrator.
type UploadConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gte=1s"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout" validate:"gte=0"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout" validate:"gte=0"`
	MaxPollErrors   int           `mapstructure:"max_poll_errors" validate:"gte=0"`
}

// DatabaseConfig selects where task snapshots live.
// URL is either sqlite://<path> or postgres(ql)://...
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// NotifyConfig configures optional notification sinks.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url"`
}

// StorageConfig picks the transfer backend.
type StorageConfig struct {
	Backend string   `mapstructure:"backend" validate:"oneof=http s3"`
	S3      S3Config `mapstructure:"s3"`
}

// S3Config is used when Backend is "s3".
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	BaseEndpoint string `mapstructure:"base_endpoint" validate:"omitempty,url"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
}
