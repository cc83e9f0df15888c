// Package cmd provides the pagecache command-line interface.
//
// Configuration is layered, highest priority first:
//
//  1. Command-line flags (--config, --port, --dev, ...)
//  2. PAGECACHE_CONFIG_FILE, naming the config file
//  3. PAGECACHE_<SECTION>_<OPTION> environment variables, plus PAGECACHE_ENV
//  4. .pagecache.yml in the working directory
//
// Example:
//
//	export PAGECACHE_ENV=development
//	pagecache serve --port 3000
package cmd

import (
	"fmt"

	"github.com/conneroisu/pagecache/internal/config"
	"github.com/conneroisu/pagecache/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	devMode   bool
	configErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pagecache",
	Short: "A build-artifact cache and page server",
	Long: `pagecache compiles HTML entry pages with their scripts, stylesheets and
images, caches the result in memory and on disk, and serves it.

In development mode pages are rebuilt when their sources change and open
browsers are told to pick up the new build over a WebSocket.

Quick Start:
  pagecache serve --dev          Serve with hot reload
  pagecache build                Prebuild every configured page
  pagecache cache list           Show persisted records
  pagecache cache clear          Remove persisted records`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .pagecache.yml, can also use PAGECACHE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "run in development mode (overrides server.environment)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads the config file and binds the environment. Errors are
// reported by the first command that loads the configuration.
func initConfig() {
	configErr = config.Configure(viper.GetViper(), cfgFile)
}

// loadConfig returns the validated configuration with command-line
// overrides applied.
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, configErr
	}
	if devMode {
		viper.Set("server.environment", config.EnvDevelopment)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, cmd *cobra.Command) (logging.Logger, error) {
	lc, err := cfg.LoggerConfig()
	if err != nil {
		return nil, err
	}
	lc.Output = cmd.ErrOrStderr()
	return logging.NewLogger(lc), nil
}
