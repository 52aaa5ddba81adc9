package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/panoforge/config.json"
	defaultWorkers    = 1
	defaultTimeout    = 300
)

// Config holds user-editable settings for the panorama service.
type Config struct {
	Server     Server     `json:"server"`
	Processing Processing `json:"processing"`
	Upload     Upload     `json:"upload"`
	Stitch     Stitch     `json:"stitch"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
}

// Server configures the HTTP gateway.
type Server struct {
	Addr string `json:"addr"`
}

// Processing captures execution preferences for the heavy pipeline.
type Processing struct {
	Workers        int    `json:"workers"`         // bounded heavy-job slots (1-2 recommended)
	QueueSize      int    `json:"queue_size"`      // pending jobs before Submit refuses
	TimeoutSeconds int    `json:"timeout_seconds"` // wall-clock budget per run
	TempDir        string `json:"temp_dir"`
}

// Upload bounds what the gateway accepts before the core ever runs.
type Upload struct {
	MaxFiles          int      `json:"max_files"`
	MaxFileSize       int64    `json:"max_file_size"` // bytes, per file
	AllowedExtensions []string `json:"allowed_extensions"`
}

// Stitch configures the assembly core.
type Stitch struct {
	Engine       EngineConfig   `json:"engine"`
	Quality      QualityCaps    `json:"quality"`
	MinDimension int            `json:"min_dimension"` // smaller images are skipped
	Strategies   []StrategySpec `json:"strategies"`    // empty means built-in defaults
}

// EngineConfig selects the alignment and blending backend.
type EngineConfig struct {
	Preferred string   `json:"preferred"` // "hugin", "native"
	Fallbacks []string `json:"fallbacks"`
}

// QualityCaps maps quality tiers to maximum image dimensions used
// during preprocessing. Caps must be strictly increasing.
type QualityCaps struct {
	Low    int `json:"low"`
	Medium int `json:"medium"`
	High   int `json:"high"`
}

// StrategySpec describes one configured stitch attempt. The list is
// tried in order, so entries should run from strict to permissive.
type StrategySpec struct {
	Label      string  `json:"label"`
	Mode       string  `json:"mode"`       // "scans", "panorama"
	Confidence float64 `json:"confidence"` // minimum pairwise match confidence
	Subset     string  `json:"subset"`     // "full", "half", "first-two"
	MinImages  int     `json:"min_images"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// DefaultPath returns the expanded default config file location.
func DefaultPath() (string, error) {
	return expandUser(defaultConfigPath)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("PANOFORGE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
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
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration: the smartphone-optimized
// processing profile with a single heavy worker.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr: ":8090",
		},
		Processing: Processing{
			Workers:        defaultWorkers,
			QueueSize:      8,
			TimeoutSeconds: defaultTimeout,
			TempDir:        os.TempDir(),
		},
		Upload: Upload{
			MaxFiles:          20,
			MaxFileSize:       10 * 1024 * 1024,
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".webp"},
		},
		Stitch: Stitch{
			Engine: EngineConfig{
				Preferred: "hugin",
				Fallbacks: []string{"native"},
			},
			Quality: QualityCaps{
				Low:    600,
				Medium: 800,
				High:   1200,
			},
			MinDimension: 300,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "panoforge.db"),
		},
	}
}

// Validate rejects configurations that would violate core invariants.
func (c *Config) Validate() error {
	q := c.Stitch.Quality
	if !(q.Low < q.Medium && q.Medium < q.High) {
		return fmt.Errorf("quality caps must be strictly increasing, got low=%d medium=%d high=%d", q.Low, q.Medium, q.High)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", c.Processing.Workers)
	}
	if c.Processing.TimeoutSeconds < 1 {
		return fmt.Errorf("processing.timeout_seconds must be positive, got %d", c.Processing.TimeoutSeconds)
	}
	if c.Upload.MaxFiles < 2 {
		return fmt.Errorf("upload.max_files must allow at least 2 images, got %d", c.Upload.MaxFiles)
	}
	return nil
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
