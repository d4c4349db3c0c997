package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// NewRootCmd creates the root command for cardea
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cardea",
		Short: "cardea - credential-linking and federated-identity broker",
		Long: `cardea links internal users to external identity providers, stores the
resulting GA4GH passports and visas, and answers passport verification
questions for downstream authorization decisions.

It keeps stored credentials fresh with a background reconciliation job:
expired links are invalidated, expiring passports are refreshed, and
access_token visas are periodically revalidated against their providers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./configs/cardea.yaml)")

	// Add subcommands
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewReconcileCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
