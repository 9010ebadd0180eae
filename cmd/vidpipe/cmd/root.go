// Package cmd implements the CLI commands for vidpipe.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/vidpipe/internal/config"
	"github.com/jmylchreest/vidpipe/internal/observability"
	"github.com/jmylchreest/vidpipe/internal/version"
)

var (
	// cfgFile holds the config file path from the --config flag.
	cfgFile string

	// v holds defaults, environment bindings and the flags of the running command.
	v *viper.Viper

	// cfg is the loaded configuration, set before any command runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vidpipe",
	Short:   "Streaming video transformation service",
	Version: version.Short(),
	Long: `vidpipe receives a video as a stream of chunks, converts its frames to
grayscale while keeping the original audio, and streams the result back.

The service speaks the video.VideoService gRPC protocol and can optionally
expose an HTTP upload endpoint for browsers.

Configuration is read from (highest priority first): flags, VIDPIPE_*
environment variables, a YAML config file, and built-in defaults.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set here rather than in the literal to avoid an initialization cycle.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./vidpipe.yaml, /etc/vidpipe or $HOME/.vidpipe)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// initConfig loads configuration for cmd and installs the default logger.
// Any configuration error stops the command before it does any work.
func initConfig(cmd *cobra.Command) error {
	v = config.NewViper()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return err
	}

	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
	return nil
}
