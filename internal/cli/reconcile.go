package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewReconcileCmd creates the reconcile command, a one-shot run of the
// three maintenance phases. Useful for cron-style deployments and for
// operating on a store while the server is down.
func NewReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		RunE:  runReconcile,
	}
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	provider, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer provider.Close(ctx)

	scheduler, err := provider.Scheduler(ctx)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	if !scheduler.Run(ctx) {
		return fmt.Errorf("another reconciliation run is in progress")
	}
	return nil
}
