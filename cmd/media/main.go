package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jaennil/guide_helper/media/internal/app"
	"github.com/jaennil/guide_helper/media/pkg/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "media",
	Short: "Media storage and raster tile service",
	// Without a subcommand the service is started.
	Run: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload, asset and tile HTTP API",
	Run:   runServe,
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove blobs and rows of assets soft-deleted longer than REAP_GRACE ago",
	RunE:  runReap,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reapCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.New()
	if err != nil {
		log.Fatalln("failed to load config: ", err)
	}
	return cfg
}

func runServe(cmd *cobra.Command, args []string) {
	app.Run(loadConfig())
}

func runReap(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := app.Reap(ctx, loadConfig())
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "reaped %d assets\n", n)
	return nil
}
