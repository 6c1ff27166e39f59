package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-maskrcnn/images"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts, err := cfg.ResizeOptions()
	require.NoError(t, err)
	assert.Equal(t, images.ResizeOptions{MinDim: 800, MaxDim: 1024, Mode: images.ResizeSquare}, opts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown resize mode", func(c *Config) { c.Image.ResizeMode = "letterbox" }},
		{"square canvas not divisible by 64", func(c *Config) { c.Image.MaxDim = 1000 }},
		{"pad64 min_dim not divisible by 64", func(c *Config) { c.Image.ResizeMode = "pad64"; c.Image.MinDim = 100 }},
		{"crop without min_dim", func(c *Config) { c.Image.ResizeMode = "crop"; c.Image.MinDim = 0 }},
		{"negative min_scale", func(c *Config) { c.Image.MinScale = -1 }},
		{"short mean pixel", func(c *Config) { c.Image.MeanPixel = []float64{1, 2} }},
		{"no classes", func(c *Config) { c.NumClasses = 0 }},
		{"empty mini mask", func(c *Config) { c.MiniMask.Width = 0 }},
		{"nms threshold above one", func(c *Config) { c.Detection.NMSThreshold = 1.5 }},
		{"unknown mask mode", func(c *Config) { c.Detection.MaskMode = "fuzzy" }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLoadWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maskrcnn.yaml")
	content := `
log_level: debug
num_classes: 2
image:
  min_dim: 256
  max_dim: 512
  resize_mode: pad64
detection:
  nms_threshold: 0.5
  accelerated: true
  mask_mode: soft
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.NumClasses)
	assert.Equal(t, 256, cfg.Image.MinDim)
	assert.Equal(t, 512, cfg.Image.MaxDim)
	assert.Equal(t, "pad64", cfg.Image.ResizeMode)
	assert.InDelta(t, 0.5, cfg.Detection.NMSThreshold, 1e-6)
	assert.True(t, cfg.Detection.Accelerated)
	assert.Equal(t, MaskModeSoft, cfg.Detection.MaskMode)

	// Untouched keys keep their defaults.
	assert.Equal(t, []float64{123.7, 116.8, 103.9}, cfg.Image.MeanPixel)
	assert.Equal(t, 56, cfg.MiniMask.Height)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MASKRCNN_IMAGE_MIN_DIM", "640")
	t.Setenv("MASKRCNN_DETECTION_NMS_THRESHOLD", "0.7")

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfg, err := NewLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, 640, cfg.Image.MinDim)
	assert.InDelta(t, 0.7, cfg.Detection.NMSThreshold, 1e-6)
	assert.Equal(t, 1024, cfg.Image.MaxDim)
}

func TestLoadInvalid(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_classes: 0\n"), 0o600))
	_, err = NewLoader().Load(path)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}
