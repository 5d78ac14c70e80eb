// Package cmd wires the command-line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mangaleech/mangaleech/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mangaleech",
		Short: "A resumable mirror for serialized comic sources.",
		Long: `mangaleech walks configured series, discovers new chapters, downloads
and normalizes their page images, and records durable per-chapter
progress so interrupted or failed runs resume without duplicating work.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/mangaleech, $HOME/.mangaleech)")

	cmd.AddCommand(newLeechCmd())
	return cmd
}

// loadConfig builds the viper instance and unmarshals the typed config.
func loadConfig() (config.Config, error) {
	v := viper.New()
	config.Init(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
