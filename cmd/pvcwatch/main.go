package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devzero-inc/pvcwatch/internal/config"
	"github.com/devzero-inc/pvcwatch/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "pvcwatch",
		Short: "Watch the storage requested by the PVCs of a namespace",
		Long: `pvcwatch lists the PersistentVolumeClaims of a namespace, then follows every
change and keeps a running total of requested storage. It reports when the
total reaches the configured maximum and when it drops back below it.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd, cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&cfg.Namespace, "namespace", "n", cfg.Namespace, "Namespace whose claims are watched")
	flags.StringVar(&cfg.Threshold, "threshold", cfg.Threshold, "Maximum total of requested storage, e.g. 2Gi")
	flags.BoolVar(&cfg.StrictUnits, "strict-units", cfg.StrictUnits, "Reject claims sized in a different unit system than the threshold")
	flags.StringVar(&cfg.Kubeconfig, "kubeconfig", "", "Path to a kubeconfig. Only required if out-of-cluster.")
	flags.Int64Var(&cfg.PageSize, "page-size", cfg.PageSize, "List page size for snapshots, 0 uses the default")
	flags.StringVar(&cfg.MetricsAddr, "metrics-bind-address", cfg.MetricsAddr, "The address the metric endpoint binds to, 0 disables it")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json or console")
	flags.BoolVar(&cfg.NoColor, "no-color", false, "Disable colored console output")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", false, "Do not print the claim table and event lines")
	flags.StringVar(&cfg.WebhookURL, "webhook-url", "", "URL notified when the total crosses the threshold")
	flags.DurationVar(&cfg.WebhookTimeout, "webhook-timeout", cfg.WebhookTimeout, "Timeout of a single webhook delivery")
	flags.DurationVar(&cfg.ReconnectInitial, "reconnect-initial-interval", cfg.ReconnectInitial, "First delay before resubscribing")
	flags.DurationVar(&cfg.ReconnectMax, "reconnect-max-interval", cfg.ReconnectMax, "Largest delay between resubscribe attempts")
	flags.DurationVar(&cfg.ReconnectMaxElapsed, "reconnect-max-elapsed", cfg.ReconnectMaxElapsed, "Give up when a reconnect fails for this long")
	flags.DurationVar(&cfg.WatchTimeout, "watch-timeout", cfg.WatchTimeout, "Server side timeout of one watch subscription")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Output format (json)")
	return cmd
}
