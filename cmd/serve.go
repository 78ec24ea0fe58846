package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bowline-sh/bowline/internal/config"
	"github.com/bowline-sh/bowline/internal/server"
	"github.com/bowline-sh/bowline/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the registry proxy",
	Long:  `Start the HTTP server exposing the /v2 pull surface and the image listing.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Get()
	log.ConfigureFromEnv()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.New(cfg).Start(ctx)
}
