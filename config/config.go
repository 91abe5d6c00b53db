// Package config loads and validates the TOML configuration shared by
// the train, export and serve commands.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Data     Data     `toml:"data"`
	Training Training `toml:"training"`
	Serve    Serve    `toml:"serve"`
}

type Data struct {
	// BasePath anchors the relative paths below.
	BasePath    string   `toml:"base_path"`
	SampleTable string   `toml:"sample_table"`
	ImagesDir   string   `toml:"images_dir"`
	Classes     []string `toml:"classes"`
	ImageSize   int      `toml:"image_size"`
}

type Training struct {
	Folds            int     `toml:"folds"`
	Epochs           int     `toml:"epochs"`
	BatchSize        int     `toml:"batch_size"`
	ValBatchSize     int     `toml:"val_batch_size"`
	LRTransfer       float64 `toml:"lr_transfer"`
	LRClassification float64 `toml:"lr_classification"`
	WeightDecay      float64 `toml:"weight_decay"`
	Device           string  `toml:"device"`
	Seed             int64   `toml:"seed"`
	Shuffle          bool    `toml:"shuffle"`
	Workers          int     `toml:"workers"`
	CheckpointDir    string  `toml:"checkpoint_dir"`
	MetricsPath      string  `toml:"metrics_path"`
	Progress         bool    `toml:"progress"`
}

type Serve struct {
	Addr       string `toml:"addr"`
	Checkpoint string `toml:"checkpoint"`
	ONNXModel  string `toml:"onnx_model"`
}

// Default returns a runnable configuration for the cassava dataset
// layout.
func Default() *Config {
	return &Config{
		Data: Data{
			BasePath:    ".",
			SampleTable: "train.csv",
			ImagesDir:   "train_images",
			Classes:     []string{"cbb", "cbsd", "cgm", "cmd", "healthy"},
			ImageSize:   256,
		},
		Training: Training{
			Folds:            5,
			Epochs:           10,
			BatchSize:        16,
			ValBatchSize:     32,
			LRTransfer:       1e-4,
			LRClassification: 1e-3,
			WeightDecay:      1e-4,
			Device:           "cpu",
			Seed:             42,
			Shuffle:          true,
			Workers:          4,
			CheckpointDir:    "checkpoints",
			Progress:         true,
		},
		Serve: Serve{
			Addr: ":8080",
		},
	}
}

// Load reads a TOML file over the defaults, so a config file only needs
// the keys it changes.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s has unknown keys: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Data.ImageSize < 32 {
		return fmt.Errorf("data.image_size must be at least 32, got %d", c.Data.ImageSize)
	}
	if c.Training.Folds < 2 {
		return fmt.Errorf("training.folds must be at least 2, got %d", c.Training.Folds)
	}
	if c.Training.Epochs < 1 {
		return fmt.Errorf("training.epochs must be at least 1, got %d", c.Training.Epochs)
	}
	if c.Training.BatchSize < 1 {
		return fmt.Errorf("training.batch_size must be at least 1, got %d", c.Training.BatchSize)
	}
	if c.Training.LRTransfer <= 0 || c.Training.LRClassification <= 0 {
		return fmt.Errorf("learning rates must be positive")
	}
	switch c.Training.Device {
	case "", "cpu":
	default:
		return fmt.Errorf("training.device %q is not supported, only \"cpu\" is available", c.Training.Device)
	}
	return nil
}

// SampleTablePath resolves the sample table against the base path.
func (c *Config) SampleTablePath() string {
	return filepath.Join(c.Data.BasePath, c.Data.SampleTable)
}

// ImagesDirPath resolves the image directory against the base path.
func (c *Config) ImagesDirPath() string {
	return filepath.Join(c.Data.BasePath, c.Data.ImagesDir)
}
