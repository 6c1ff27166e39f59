// Package cmd holds the maskrcnn command tree.
package cmd

import (
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-maskrcnn/config"
)

// app is the state shared by the subcommands of one root command.
type app struct {
	cfgFile string
	loader  *config.Loader
	config  *config.Config
	logger  *slog.Logger
}

// NewRootCommand builds the command tree. Every call returns an independent
// tree, so tests can execute commands without sharing flags or configuration.
func NewRootCommand() *cobra.Command {
	a := &app{loader: config.NewLoader()}

	root := &cobra.Command{
		Use:   "maskrcnn",
		Short: "Mask R-CNN pre and post processing",
		Long: `Molds images into network input and turns raw detector output back
into detections on the original image.

Examples:
  maskrcnn mold photo.jpg --out molded/
  maskrcnn nms boxes.yaml --accelerated --threshold 0.5
  maskrcnn unmold detections.yaml --mask-mode soft`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is maskrcnn.yaml in ., $XDG_CONFIG_HOME/maskrcnn or $HOME)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("workers", 0, "maximum concurrent images, 0 for one per CPU")

	v := a.loader.Viper()
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = v.BindPFlag("workers", flags.Lookup("workers"))

	root.AddCommand(newMoldCommand(a), newNMSCommand(a), newUnmoldCommand(a))
	return root
}

// setup loads the configuration and installs the logger.
func (a *app) setup(logOut io.Writer) error {
	cfg, err := a.loader.Load(a.cfgFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	a.config = cfg

	a.logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(a.logger)

	if used := a.loader.ConfigFileUsed(); used != "" {
		a.logger.Debug("loaded configuration", "file", used)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
