// jobengine runs tools as jobs on pluggable compute backends and schedules
// workflow invocations over them.
package main

import (
	"fmt"
	"jobengine/internal/config"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobengine",
		Short:        "Job execution and workflow scheduling engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to the YAML configuration file (JOBENGINE_* variables override it)")

	cmd.AddCommand(serveCmd(), checkConfigCmd())
	return cmd
}

// loadConfig reads and validates the file named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d runners, %d destinations, %d tools\n",
				len(cfg.Runners.Names()), len(cfg.Destinations), len(cfg.Tools))
			return nil
		},
	}
}
