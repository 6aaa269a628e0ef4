package standard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute(ctx context.Context, args []string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vmdeck",
		Short:         "vmdeck command-line interface",
		Long:          "vmdeck lists, controls and edits libvirt VMs through the management API. Run without arguments for the dashboard.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", envOrDefault("VMDECK_CONFIG", ""), "path to a YAML config file")
	flags.StringSliceP("api", "a", nil, "backend base URL, repeatable; tried in order")
	flags.String("journal", "", "action journal path (overrides config)")
	flags.Duration("timeout", 0, "per-request timeout (0 means none)")
	flags.String("log-level", "warn", "log level for stderr output")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newVMsCmd())
	cmd.AddCommand(newHostCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newDevBackendCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the vmdeck version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vmdeck %s\n", Version)
		},
	}
}
