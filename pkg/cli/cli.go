package cli

import (
	"github.com/spf13/cobra"
)

// Build information (injected at compile time via ldflags)
var (
	Version = "dev"
)

var (
	gatewayAddr string
	authToken   string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:           "drydock",
	Short:         "Manage drydock development environments",
	Long:          "drydock provisions, snapshots, and tears down ephemeral development environments.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "http://localhost:1994", "gateway HTTP address")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "gateway admin token")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(newEnvCmd())
	rootCmd.AddCommand(newExecCmd())
	rootCmd.AddCommand(newSnapshotCmd())
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
