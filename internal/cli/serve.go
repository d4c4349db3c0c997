package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cardeahq/cardea/internal/config"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the cardea server",
		Long: `Start the cardea HTTP server and, when enabled, the background
reconciliation scheduler.

Configuration precedence (highest to lowest):
  1. Command-line flags
  2. Environment variables (CARDEA_*)
  3. Configuration file`,
		RunE: runServe,
	}

	// Server flags; names map to config paths by replacing hyphens with
	// dots
	cmd.Flags().Int("server-port", 0, "HTTP server port (default: from config or 8080)")
	cmd.Flags().String("database-type", "", "credential store type: mongo or memory (default: memory)")
	cmd.Flags().String("database-uri", "", "mongodb connection uri")
	cmd.Flags().String("database-name", "", "mongodb database name")
	cmd.Flags().Bool("reconcile-enabled", false, "run the reconciliation scheduler")
	cmd.Flags().String("observability-log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("observability-log-format", "", "log format (json, text)")

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Provider, error) {
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("CARDEA_CONFIG")
	}
	if configPath == "" {
		configPath = "./configs/cardea.yaml"
	}

	loader, err := config.NewLoaderWithFlags(configPath, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := loader.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	provider := config.NewProvider(cfg)
	if err := provider.ConfigureLogging(); err != nil {
		return nil, err
	}
	return provider, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer provider.Close(context.Background())

	srv, err := provider.APIServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	if provider.ReconcileEnabled() {
		scheduler, err := provider.Scheduler(ctx)
		if err != nil {
			return fmt.Errorf("failed to build scheduler: %w", err)
		}
		go scheduler.Start(ctx)
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Println("cardea is running")
	fmt.Printf("  HTTP API: http://localhost:%d\n", provider.ServerConfig().Port)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	cancel()

	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}
