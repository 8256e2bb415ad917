// inspector runs the content inspection service.
//
// Usage:
//
//	inspector serve   [--config=<path>] [--migrate]
//	inspector migrate [--config=<path>]
//	inspector scan    <path> [--network] [--rescan] [--fixed=<detector>=<classification>]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stoik/content-inspection/internal/config"
	"github.com/stoik/content-inspection/internal/logging"
)

var version = "dev"

type rootOptions struct {
	ConfigPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging)
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "inspector",
		Short:         "Pluggable content inspection pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Path to a YAML config file (defaults to $"+config.ConfigPathEnvVar+")")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newScanCmd(opts),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
