package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TargetDir string `envconfig:"TARGET_DIR" required:"true"`

	// Folders maps a save_path name accepted by the API to a directory under TargetDir.
	Folders map[string]string `envconfig:"FOLDERS" default:"checkpoints:checkpoints,loras:loras,vae:vae,controlnet:controlnet,clip:clip,unet:unet,upscale_models:upscale_models,embeddings:embeddings"`

	ChunkUnit         int64         `envconfig:"CHUNK_UNIT" default:"33554432"`
	Workers           int           `envconfig:"WORKERS" default:"8"`
	BufferSize        int           `envconfig:"BUFFER_SIZE" default:"1048576"`
	PausePollInterval time.Duration `envconfig:"PAUSE_POLL_INTERVAL" default:"500ms"`
	ProgressInterval  time.Duration `envconfig:"PROGRESS_INTERVAL" default:"100ms"`

	ProbeTimeout        time.Duration `envconfig:"PROBE_TIMEOUT" default:"30s"`
	ProbeRetries        int           `envconfig:"PROBE_RETRIES" default:"2"`
	MaxIdleConnsPerHost int           `envconfig:"MAX_IDLE_CONNS_PER_HOST" default:"16"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	RecordRetention   time.Duration `envconfig:"RECORD_RETENTION" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	Telemetry struct {
		Enabled      bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`
		ServiceName  string `envconfig:"TELEMETRY_SERVICE_NAME" default:"direct_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8188"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engine cannot work with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}

	if c.ChunkUnit < 1 {
		return fmt.Errorf("CHUNK_UNIT must be positive, got %d", c.ChunkUnit)
	}

	if c.BufferSize < 1 {
		return fmt.Errorf("BUFFER_SIZE must be positive, got %d", c.BufferSize)
	}

	if c.MaxIdleConnsPerHost < c.Workers {
		return fmt.Errorf("MAX_IDLE_CONNS_PER_HOST (%d) must cover WORKERS (%d)", c.MaxIdleConnsPerHost, c.Workers)
	}

	if len(c.Folders) == 0 {
		return fmt.Errorf("FOLDERS must name at least one folder")
	}

	return nil
}

// FolderPath returns the absolute directory of the named folder.
func (c *Config) FolderPath(name string) (string, bool) {
	sub, ok := c.Folders[name]
	if !ok {
		return "", false
	}

	if filepath.IsAbs(sub) {
		return filepath.Clean(sub), true
	}

	dir, err := filepath.Abs(filepath.Join(c.TargetDir, sub))
	if err != nil {
		return "", false
	}

	return dir, true
}

// FolderNames returns the configured folder names, sorted.
func (c *Config) FolderNames() []string {
	names := make([]string, 0, len(c.Folders))
	for name := range c.Folders {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
