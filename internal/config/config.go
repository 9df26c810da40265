package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"refframe/internal/mosaic"
)

const (
	defaultConfigPath = "~/.config/refframe/config.json"
	defaultParallel   = 2
	// EnvPath overrides the config file location.
	EnvPath = "REFFRAME_CONFIG"
)

// Config holds user-editable settings for reference frame builds.
type Config struct {
	Processing  Processing  `json:"processing"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Mosaic      Mosaic      `json:"mosaic"`
	Server      Server      `json:"server"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	QueueSize    int    `json:"queue_size"`
	TempDir      string `json:"temp_dir"`
	FFmpeg       string `json:"ffmpeg"`
	FFprobe      string `json:"ffprobe"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	WatchDir      string `json:"watch_dir"`
}

// Mosaic holds the default build options plus output-only settings.
type Mosaic struct {
	mosaic.Options
	StabilizedFPS float64 `json:"stabilized_fps"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Diagnostics controls the quality plot written next to each artifact.
type Diagnostics struct {
	Plot   bool    `json:"plot"`
	Width  float64 `json:"width_cm"`
	Height float64 `json:"height_cm"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Path returns the config file location before ~ expansion.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Validate checks the mosaic defaults and the worker settings.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs)
	}
	if c.Mosaic.StabilizedFPS <= 0 {
		return fmt.Errorf("mosaic.stabilized_fps must be positive, got %v", c.Mosaic.StabilizedFPS)
	}
	return c.Mosaic.Options.Validate()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    16,
			TempDir:      os.TempDir(),
			FFmpeg:       "ffmpeg",
			FFprobe:      "ffprobe",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "refframe.db"),
		},
		Mosaic: Mosaic{
			Options:       mosaic.DefaultOptions(),
			StabilizedFPS: 30,
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
		Diagnostics: Diagnostics{
			Plot:   true,
			Width:  16,
			Height: 10,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
