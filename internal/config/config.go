// Package config provides configuration management for vidpipe using Viper.
// It supports configuration from files, environment variables, flags, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultListenAddr      = ":50051"
	defaultMaxWorkers      = 4
	defaultShutdownTimeout = 30 * time.Second
	defaultChunkSize       = 64 * 1024
	defaultSweepSchedule   = "@every 15m"
	defaultSweepMinAge     = time.Minute
	defaultServerAddr      = "localhost:50051"

	// MaxChunkSize keeps a single outbound chunk message well inside gRPC's
	// default 4MiB receive limit.
	MaxChunkSize = 3 * 1024 * 1024

	// DefaultMaxRecvMsgSize is gRPC's own default inbound message limit.
	// Inbound chunk sizes are chosen by callers, so this is the only cap.
	DefaultMaxRecvMsgSize = 4 * 1024 * 1024
)

// EnvPrefix is the prefix for all vidpipe environment variables.
const EnvPrefix = "VIDPIPE"

// LegacyWorkersEnv is honoured as an alias for server.max_workers.
const LegacyWorkersEnv = "GRPC_MAX_WORKERS"

// ErrConfigurationFailure marks every error caused by invalid startup configuration.
var ErrConfigurationFailure = errors.New("configuration failure")

// ConfigurationError represents a configuration problem.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error for %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap exposes both ErrConfigurationFailure and the underlying cause.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfigurationFailure}
	}
	return []error{ErrConfigurationFailure, e.Err}
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Message: message,
	}
}

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Storage StorageConfig `mapstructure:"storage"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds gRPC server configuration.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MaxWorkers      int           `mapstructure:"max_workers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRecvMsgSize  ByteSize      `mapstructure:"max_recv_msg_size"` // 0 = gRPC default
}

// StreamConfig holds chunk streaming configuration.
type StreamConfig struct {
	// ChunkSize is the size of each outbound chunk.
	ChunkSize ByteSize `mapstructure:"chunk_size"`
	// MaxInputSize bounds the reassembled input (0 = unlimited).
	MaxInputSize ByteSize `mapstructure:"max_input_size"`
	// ReceiveTimeout bounds the wait for each inbound chunk (0 = disabled).
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
}

// StorageConfig holds temporary artifact storage configuration.
type StorageConfig struct {
	TempDir       string        `mapstructure:"temp_dir"`
	SweepSchedule string        `mapstructure:"sweep_schedule"` // cron spec, empty disables periodic sweeps
	SweepMinAge   time.Duration `mapstructure:"sweep_min_age"`
	MinFreeSpace  ByteSize      `mapstructure:"min_free_space"` // 0 disables the check
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath  string `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath   string `mapstructure:"probe_path"`  // empty = auto-detect
	VideoPreset string `mapstructure:"video_preset"`
	AudioCodec  string `mapstructure:"audio_codec"`
}

// GatewayConfig holds the HTTP upload gateway configuration.
type GatewayConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"` // empty = disabled
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ClientConfig holds configuration for the processing client.
type ClientConfig struct {
	ServerAddr string        `mapstructure:"server_addr"`
	Timeout    time.Duration `mapstructure:"timeout"` // 0 = no deadline
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// NewViper returns a viper instance with defaults and environment bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicit binding is needed for the unprefixed alias; BindEnv only
	// fails when called without a key.
	_ = v.BindEnv("server.max_workers", EnvPrefix+"_SERVER_MAX_WORKERS", LegacyWorkersEnv)

	return v
}

// BindFlags binds command-line flags to their configuration keys.
// Only flags present in fs are bound.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"listen":          "server.listen_addr",
		"workers":         "server.max_workers",
		"chunk-size":      "stream.chunk_size",
		"max-input-size":  "stream.max_input_size",
		"receive-timeout": "stream.receive_timeout",
		"temp-dir":        "storage.temp_dir",
		"gateway-listen":  "gateway.listen_addr",
		"ffmpeg":          "ffmpeg.binary_path",
		"ffprobe":         "ffmpeg.probe_path",
		"server":          "client.server_addr",
		"log-level":       "logging.level",
		"log-format":      "logging.format",
	}
	for flag, key := range bindings {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %s: %w", flag, err)
		}
	}
	return nil
}

// Load reads configuration from file, environment variables and bound flags.
// Precedence: flags > environment > file > defaults.
// Environment variables are prefixed with VIDPIPE_ and use underscores for nesting.
// Example: VIDPIPE_SERVER_MAX_WORKERS=8.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("vidpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vidpipe")
		v.AddConfigPath("$HOME/.vidpipe")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, &ConfigurationError{Field: "config_file", Message: "reading config file", Err: err}
		}
		// Config file not found is OK - defaults and env vars apply
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, &ConfigurationError{Field: "config", Message: "decoding configuration", Err: err}
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_addr", defaultListenAddr)
	v.SetDefault("server.max_workers", defaultMaxWorkers)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.max_recv_msg_size", DefaultMaxRecvMsgSize)

	// Stream defaults
	v.SetDefault("stream.chunk_size", defaultChunkSize)
	v.SetDefault("stream.max_input_size", 0)
	v.SetDefault("stream.receive_timeout", time.Duration(0))

	// Storage defaults
	v.SetDefault("storage.temp_dir", filepath.Join(os.TempDir(), "vidpipe"))
	v.SetDefault("storage.sweep_schedule", defaultSweepSchedule)
	v.SetDefault("storage.sweep_min_age", defaultSweepMinAge)
	v.SetDefault("storage.min_free_space", 0)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.video_preset", "veryfast")
	v.SetDefault("ffmpeg.audio_codec", "aac")

	// Gateway defaults
	v.SetDefault("gateway.listen_addr", "")
	v.SetDefault("gateway.read_timeout", 5*time.Minute)
	v.SetDefault("gateway.write_timeout", 15*time.Minute)

	// Client defaults
	v.SetDefault("client.server_addr", defaultServerAddr)
	v.SetDefault("client.timeout", time.Duration(0))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return NewConfigurationError("server.listen_addr", "is required")
	}
	if c.Server.MaxWorkers < 1 {
		return NewConfigurationError("server.max_workers", "must be at least 1")
	}
	if c.Server.MaxRecvMsgSize < 0 {
		return NewConfigurationError("server.max_recv_msg_size", "must not be negative")
	}

	if c.Stream.ChunkSize < 1 {
		return NewConfigurationError("stream.chunk_size", "must be at least 1 byte")
	}
	if c.Stream.ChunkSize > MaxChunkSize {
		return NewConfigurationError("stream.chunk_size", fmt.Sprintf("must not exceed %s", ByteSize(MaxChunkSize)))
	}
	if c.Stream.MaxInputSize < 0 {
		return NewConfigurationError("stream.max_input_size", "must not be negative")
	}
	if c.Stream.ReceiveTimeout < 0 {
		return NewConfigurationError("stream.receive_timeout", "must not be negative")
	}

	if c.Storage.TempDir == "" {
		return NewConfigurationError("storage.temp_dir", "is required")
	}
	if c.Storage.MinFreeSpace < 0 {
		return NewConfigurationError("storage.min_free_space", "must not be negative")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return NewConfigurationError("logging.level", "must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return NewConfigurationError("logging.format", "must be one of: json, text")
	}

	return nil
}
