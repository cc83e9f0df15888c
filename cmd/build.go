package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/conneroisu/pagecache/internal/build"
	"github.com/conneroisu/pagecache/internal/config"
	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/conneroisu/pagecache/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var buildCmd = &cobra.Command{
	Use:     "build [route...]",
	Aliases: []string{"b"},
	Short:   "Prebuild pages into the persistent cache",
	Long: `Compile the configured pages and store them in the persistent cache.

The server clears the cache when it starts unless build.clear_on_start is
false (PAGECACHE_BUILD_CLEAR_ON_START=false). With it off, pages built here
are served from disk on the first request after startup; with it on, build
only checks that every page compiles.

Examples:
  pagecache build                  # Build every configured page
  pagecache build / /about         # Build two routes
  pagecache build --clean          # Clear the cache first`,
	RunE: runBuild,
}

var (
	buildClean bool
	buildJobs  int
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&buildClean, "clean", false, "Clear the persistent cache before building")
	buildCmd.Flags().IntVarP(&buildJobs, "jobs", "j", runtime.NumCPU(), "Pages to compile concurrently")
}

type buildOutcome struct {
	route    config.Route
	key      string
	duration time.Duration
	err      error
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd)
	if err != nil {
		return err
	}

	routes, err := selectRoutes(cfg.Routes(), args)
	if err != nil {
		return err
	}

	cache, err := server.NewCache(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to create build cache: %w", err)
	}
	defer cache.Close()

	if buildClean {
		if err := cache.Clear(); err != nil {
			return err
		}
	}

	outcomes := buildRoutes(cmd.Context(), cache, routes, cfg.BuildOptions(), buildJobs)

	out := cmd.OutOrStdout()
	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
			fmt.Fprintf(out, "✗ %s (%s)\n", o.route.Path, o.route.Entry)
			var ce *errors.CompileError
			if stderrors.As(o.err, &ce) {
				for _, be := range ce.Logs {
					fmt.Fprintf(out, "    %s\n", be.Error())
				}
				if ce.Cause != nil {
					fmt.Fprintf(out, "    %v\n", ce.Cause)
				}
			} else {
				fmt.Fprintf(out, "    %v\n", o.err)
			}
			continue
		}
		fmt.Fprintf(out, "✓ %s (%s) %s in %v\n", o.route.Path, o.route.Entry, build.KeyHash(o.key), o.duration.Round(time.Millisecond))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d page(s) failed to build", failed, len(outcomes))
	}
	fmt.Fprintf(out, "Built %d page(s)\n", len(outcomes))
	return nil
}

// selectRoutes returns the routes named in args, or every route when args
// is empty.
func selectRoutes(routes []config.Route, args []string) ([]config.Route, error) {
	if len(args) == 0 {
		return routes, nil
	}
	selected := make([]config.Route, 0, len(args))
	for _, arg := range args {
		i := slices.IndexFunc(routes, func(r config.Route) bool { return r.Path == arg })
		if i < 0 {
			return nil, fmt.Errorf("unknown route %q", arg)
		}
		selected = append(selected, routes[i])
	}
	return selected, nil
}

// buildRoutes compiles routes with at most jobs in flight. Outcomes keep the
// order of routes.
func buildRoutes(ctx context.Context, cache *build.Cache, routes []config.Route, cfg build.Config, jobs int) []buildOutcome {
	outcomes := make([]buildOutcome, len(routes))

	var g errgroup.Group
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, route := range routes {
		g.Go(func() error {
			start := time.Now()
			_, err := cache.BuildAndCache(ctx, route.Entry, cfg)
			outcomes[i] = buildOutcome{
				route:    route,
				key:      cache.Key(route.Entry, cfg),
				duration: time.Since(start),
				err:      err,
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
