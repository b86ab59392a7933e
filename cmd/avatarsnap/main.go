package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/avatarengine/internal/config"
	"github.com/normanking/avatarengine/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "avatarsnap",
	Short: "Headless avatar renderer",
	Long: `avatarsnap loads a VRM or glTF avatar, drives it with the same
expression and animation managers as the windowed engine and writes frames
rendered on the CPU to PNG or WebP.

Configuration:
  The tool looks for configuration in:
  1. --config flag (explicit path)
  2. $HOME/.avatarengine/config.yaml
  3. ./config.yaml (current directory)

Environment variables prefixed AVATAR_ override file values.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.avatarengine/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(newRenderCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and a logger. File logging is off for the CLI;
// --verbose turns on console output.
func setup() (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !verbose {
		return cfg, zerolog.Nop(), func() {}, nil
	}
	lc := cfg.Logging
	lc.Dir = ""
	lc.Console = true
	logger, err := logging.New(lc)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, logger.Zerolog(), func() { logger.Close() }, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		if path == "" {
			dir, _ := config.GetConfigDir()
			path = filepath.Join(dir, "config.yaml")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}
