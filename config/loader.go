package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "maskrcnn"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "MASKRCNN"
)

// Loader handles loading configuration from files, environment variables and
// defaults. Each Loader owns its viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Viper returns the underlying viper instance, for binding command flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads configuration and validates it.
//
// With an empty configFile, maskrcnn.yaml is searched for in the working
// directory, $XDG_CONFIG_HOME/maskrcnn (or ~/.config/maskrcnn) and the home
// directory; a missing file is not an error. Environment variables such as
// MASKRCNN_IMAGE_MIN_DIM override file values.
//
// Arguments:
//   - configFile: An explicit config file path, or "".
//
// Returns:
//   - *Config: The loaded configuration.
//   - error: Read, decode or validation errors.
func (l *Loader) Load(configFile string) (*Config, error) {
	l.setDefaults()
	l.setupEnvironmentVariables()

	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, errors.Wrapf(err, "config file %s", configFile)
		}
		l.v.SetConfigFile(configFile)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config file %s", configFile)
		}
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		l.addConfigPaths()
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "error reading config file")
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) addConfigPaths() {
	l.v.AddConfigPath(".")

	if configDir, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		l.v.AddConfigPath(filepath.Join(configDir, ConfigFileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".config", ConfigFileName))
	}

	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(home)
	}
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults registers every key so that environment overrides apply during
// Unmarshal.
func (l *Loader) setDefaults() {
	d := Default()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("num_classes", d.NumClasses)
	l.v.SetDefault("workers", d.Workers)

	l.v.SetDefault("image.min_dim", d.Image.MinDim)
	l.v.SetDefault("image.max_dim", d.Image.MaxDim)
	l.v.SetDefault("image.min_scale", d.Image.MinScale)
	l.v.SetDefault("image.resize_mode", d.Image.ResizeMode)
	l.v.SetDefault("image.mean_pixel", d.Image.MeanPixel)
	l.v.SetDefault("image.seed", d.Image.Seed)

	l.v.SetDefault("mini_mask.use", d.MiniMask.Use)
	l.v.SetDefault("mini_mask.height", d.MiniMask.Height)
	l.v.SetDefault("mini_mask.width", d.MiniMask.Width)

	l.v.SetDefault("detection.nms_threshold", d.Detection.NMSThreshold)
	l.v.SetDefault("detection.accelerated", d.Detection.Accelerated)
	l.v.SetDefault("detection.class_aware", d.Detection.ClassAware)
	l.v.SetDefault("detection.mask_mode", d.Detection.MaskMode)
}
