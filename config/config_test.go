package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leafnet.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[data]
base_path = "/data/cassava"
image_size = 224

[training]
epochs = 3
lr_transfer = 0.0005
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/cassava", cfg.Data.BasePath)
	assert.Equal(t, 224, cfg.Data.ImageSize)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.InDelta(t, 0.0005, cfg.Training.LRTransfer, 1e-12)

	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Training.Folds)
	assert.Equal(t, "cpu", cfg.Training.Device)
	assert.Equal(t, ":8080", cfg.Serve.Addr)
	assert.Len(t, cfg.Data.Classes, 5)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[training]
epochz = 3
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateDevice(t *testing.T) {
	cfg := Default()
	cfg.Training.Device = "cuda"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda")

	cfg.Training.Device = "cpu"
	assert.NoError(t, cfg.Validate())

	cfg.Training.Device = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"small image", func(c *Config) { c.Data.ImageSize = 16 }},
		{"one fold", func(c *Config) { c.Training.Folds = 1 }},
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"negative lr", func(c *Config) { c.Training.LRClassification = -1 }},
	}
	for _, test := range tests {
		cfg := Default()
		test.mutate(cfg)
		assert.Error(t, cfg.Validate(), test.name)
	}
}

func TestPathResolution(t *testing.T) {
	cfg := Default()
	cfg.Data.BasePath = "/data"
	cfg.Data.SampleTable = "train.csv"
	cfg.Data.ImagesDir = "imgs"

	assert.Equal(t, filepath.Join("/data", "train.csv"), cfg.SampleTablePath())
	assert.Equal(t, filepath.Join("/data", "imgs"), cfg.ImagesDirPath())
}
