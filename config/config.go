// Package config - explicit configuration for molding, suppression and
// unmolding. A Config value is built once and passed to each component.
package config

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-maskrcnn/images"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Mask modes accepted by DetectionConfig.MaskMode.
const (
	MaskModeHard = "hard"
	MaskModeSoft = "soft"
)

// Config is the complete configuration.
type Config struct {
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	// NumClasses includes the background class.
	NumClasses int             `json:"num_classes" yaml:"num_classes" mapstructure:"num_classes"`
	Image      ImageConfig     `json:"image" yaml:"image" mapstructure:"image"`
	MiniMask   MiniMaskConfig  `json:"mini_mask" yaml:"mini_mask" mapstructure:"mini_mask"`
	Detection  DetectionConfig `json:"detection" yaml:"detection" mapstructure:"detection"`
	// Workers bounds batch concurrency. Zero means one per CPU.
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`
}

// ImageConfig controls molding.
type ImageConfig struct {
	MinDim     int     `json:"min_dim" yaml:"min_dim" mapstructure:"min_dim"`
	MaxDim     int     `json:"max_dim" yaml:"max_dim" mapstructure:"max_dim"`
	MinScale   float64 `json:"min_scale" yaml:"min_scale" mapstructure:"min_scale"`
	ResizeMode string  `json:"resize_mode" yaml:"resize_mode" mapstructure:"resize_mode"`
	// MeanPixel is subtracted from every RGB pixel.
	MeanPixel []float64 `json:"mean_pixel" yaml:"mean_pixel" mapstructure:"mean_pixel"`
	// Seed seeds crop mode. Zero seeds from the clock.
	Seed int64 `json:"seed" yaml:"seed" mapstructure:"seed"`
}

// MiniMaskConfig controls mini-mask storage of instance masks.
type MiniMaskConfig struct {
	Use    bool `json:"use" yaml:"use" mapstructure:"use"`
	Height int  `json:"height" yaml:"height" mapstructure:"height"`
	Width  int  `json:"width" yaml:"width" mapstructure:"width"`
}

// DetectionConfig controls suppression and unmolding.
type DetectionConfig struct {
	NMSThreshold float32 `json:"nms_threshold" yaml:"nms_threshold" mapstructure:"nms_threshold"`
	// Accelerated selects the block-bitmask suppression kernel.
	Accelerated bool `json:"accelerated" yaml:"accelerated" mapstructure:"accelerated"`
	ClassAware  bool `json:"class_aware" yaml:"class_aware" mapstructure:"class_aware"`
	// MaskMode is hard (binary full-image masks) or soft (box sized confidence masks).
	MaskMode string `json:"mask_mode" yaml:"mask_mode" mapstructure:"mask_mode"`
}

// Default returns the Mask R-CNN defaults: 800/1024 square molding on the
// COCO mean pixel, 81 classes, 56x56 mini-masks and a 0.3 NMS threshold.
//
// @example
// cfg := config.Default()
// cfg.Image.ResizeMode = "pad64"
func Default() Config {
	return Config{
		LogLevel:   "info",
		NumClasses: 81,
		Image: ImageConfig{
			MinDim:     800,
			MaxDim:     1024,
			MinScale:   0,
			ResizeMode: string(images.ResizeSquare),
			MeanPixel:  []float64{123.7, 116.8, 103.9},
		},
		MiniMask: MiniMaskConfig{
			Use:    true,
			Height: 56,
			Width:  56,
		},
		Detection: DetectionConfig{
			NMSThreshold: 0.3,
			MaskMode:     MaskModeHard,
		},
	}
}

// Validate checks the configuration for values the components cannot work with.
func (c *Config) Validate() error {
	mode, err := images.ParseResizeMode(c.Image.ResizeMode)
	if err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}

	// The canvas is halved six times by the backbone.
	switch mode {
	case images.ResizeSquare:
		if c.Image.MaxDim <= 0 || c.Image.MaxDim%64 != 0 {
			return errors.Wrapf(ErrInvalidConfig, "image.max_dim must be a positive multiple of 64, got %d", c.Image.MaxDim)
		}
	case images.ResizePad64:
		if c.Image.MinDim <= 0 || c.Image.MinDim%64 != 0 {
			return errors.Wrapf(ErrInvalidConfig, "image.min_dim must be a positive multiple of 64, got %d", c.Image.MinDim)
		}
	case images.ResizeCrop:
		if c.Image.MinDim <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "image.min_dim must be positive, got %d", c.Image.MinDim)
		}
	}

	if c.Image.MinDim < 0 || c.Image.MaxDim < 0 || c.Image.MinScale < 0 {
		return errors.Wrap(ErrInvalidConfig, "image dimensions and scale must not be negative")
	}
	if len(c.Image.MeanPixel) != 3 {
		return errors.Wrapf(ErrInvalidConfig, "image.mean_pixel needs 3 values, got %d", len(c.Image.MeanPixel))
	}
	if c.NumClasses <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "num_classes must be positive, got %d", c.NumClasses)
	}
	if c.MiniMask.Use && (c.MiniMask.Height <= 0 || c.MiniMask.Width <= 0) {
		return errors.Wrapf(ErrInvalidConfig, "mini_mask shape %dx%d", c.MiniMask.Width, c.MiniMask.Height)
	}
	if t := c.Detection.NMSThreshold; t < 0 || t > 1 {
		return errors.Wrapf(ErrInvalidConfig, "detection.nms_threshold must be within [0, 1], got %v", t)
	}
	if m := c.Detection.MaskMode; m != MaskModeHard && m != MaskModeSoft {
		return errors.Wrapf(ErrInvalidConfig, "detection.mask_mode must be hard or soft, got %q", m)
	}
	if c.Workers < 0 {
		return errors.Wrapf(ErrInvalidConfig, "workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// ResizeOptions converts the image section into images.ResizeOptions.
func (c *Config) ResizeOptions() (images.ResizeOptions, error) {
	mode, err := images.ParseResizeMode(c.Image.ResizeMode)
	if err != nil {
		return images.ResizeOptions{}, err
	}
	return images.ResizeOptions{
		MinDim:   c.Image.MinDim,
		MaxDim:   c.Image.MaxDim,
		MinScale: c.Image.MinScale,
		Mode:     mode,
		Seed:     c.Image.Seed,
	}, nil
}
