package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conneroisu/pagecache/internal/metrics"
	"github.com/conneroisu/pagecache/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Serve the configured pages",
	Long: `Serve every page configured under build.pages, compiling on first request
and answering later requests from the cache.

The persistent cache is cleared on startup. With --dev (or
PAGECACHE_ENV=development) pages carry a reload client, their sources are
watched and browsers are notified over /ws after each rebuild.

Examples:
  pagecache serve                  # Production mode on localhost:8080
  pagecache serve --dev -p 3000    # Development mode on port 3000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd)
	if err != nil {
		return err
	}

	m := metrics.New()
	cache, err := server.NewCache(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("failed to create build cache: %w", err)
	}
	srv, err := server.New(cfg, server.Options{Cache: cache, Metrics: m, Logger: logger})
	if err != nil {
		_ = cache.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := "production"
	if cfg.IsDevelopment() {
		mode = "development"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Starting pagecache (%s) at http://%s\n", mode, cfg.Address())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
