package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	internal "github.com/ZanzyTHEbar/pageindex/pidx"
	"github.com/ZanzyTHEbar/pageindex/pidx/config"
	"github.com/ZanzyTHEbar/pageindex/pidx/db"
	"github.com/ZanzyTHEbar/pageindex/pidx/events"
	"github.com/ZanzyTHEbar/pageindex/pidx/metrics"
	"github.com/ZanzyTHEbar/pageindex/pidx/registry"
	"github.com/ZanzyTHEbar/pageindex/pidx/resolver"
	"github.com/ZanzyTHEbar/pageindex/pidx/server"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// ExitError carries a specific exit code out of run.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Args[1:]); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the store, registry, resolver and HTTP server and serves until
// ctx is cancelled.
func run(ctx context.Context, outW io.Writer, args []string) error {
	flags := pflag.NewFlagSet(internal.DefaultAppCMDShortCut+"-server", pflag.ContinueOnError)
	flags.SetOutput(outW)
	flags.Usage = func() {
		fmt.Fprint(outW, `
pidx-server - serves pages of a per-language page tree by URL.

Usage:
  pidx-server [options]

Options:
`)
		flags.PrintDefaults()
	}

	configPath := flags.StringP("config", "c", "", "Path to a YAML config file.")
	warm := flags.Bool("warm", true, "Build every language index before serving.")
	flags.String("listen", internal.DefaultListenAddr, "Address the HTTP server listens on.")
	flags.String("metrics-path", internal.DefaultMetricsPath, "Path metrics are served at. Empty disables metrics.")
	flags.String("dsn", internal.DefaultDatabaseDSN, "libsql data source name.")
	flags.Int("default-language", internal.DefaultLanguageID, "Language used when a request names none.")
	flags.Int("build-concurrency", internal.DefaultBuildConcurrency, "Languages rebuilt in parallel.")
	flags.Bool("retain-on-failure", false, "Keep the previous index of a language whose rebuild fails.")
	flags.String("ignore-file", internal.DefaultIgnoreFile, "Gitignore style file of request paths never resolved.")
	flags.StringSlice("route", nil, "Path prefix served as an application route. Repeatable.")
	flags.String("log-level", "info", "Log level: debug, info, warn, error.")
	flags.Bool("log-pretty", false, "Human readable console logs.")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	if cfg.Database.Type != internal.DefaultDatabaseType {
		return &ExitError{Code: 2, Message: fmt.Sprintf("unsupported database type %q", cfg.Database.Type)}
	}

	logger := internal.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)

	store, err := db.OpenSQLStore(cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("open page store: %w", err)
	}
	defer store.Close()

	m := metrics.NewMetrics()
	notifier := events.NewNotifier(logger)
	audit := events.NewHandler("audit-log", func(_ context.Context, ev events.Event) error {
		logger.Info().
			Str("event", ev.Kind.String()).
			Str("page_id", ev.PageID.String()).
			Int("language_id", ev.LanguageID).
			Msg("page changed")
		return nil
	})
	for _, kind := range []events.Kind{events.PageSaved, events.PageDeleted} {
		if _, err := notifier.Subscribe(kind, audit); err != nil {
			return fmt.Errorf("subscribe audit log: %w", err)
		}
	}

	reg := registry.New(store,
		registry.WithLogger(logger),
		registry.WithMetrics(m),
		registry.WithNotifier(notifier),
		registry.WithBuildConcurrency(cfg.Index.BuildConcurrency),
		registry.WithRetainOnFailedRebuild(cfg.Index.RetainOnFailedRebuild),
	)

	res := resolver.New(reg,
		resolver.WithRedirects(store),
		resolver.WithPageTypes(resolver.ExtendTypes(
			resolver.SubpathExtender{MaxDepth: cfg.Resolver.ExtenderDepth},
			cfg.Resolver.ExtendedPageTypes...,
		)),
		resolver.WithExtensions(cfg.Resolver.Extensions...),
		resolver.WithMetrics(m),
		resolver.WithLogger(logger),
	)

	ignored, err := server.LoadIgnore(cfg.Resolver.IgnoreFile)
	if err != nil {
		return err
	}

	if *warm {
		start := time.Now()
		if err := reg.RebuildAll(ctx); err != nil {
			// Requests rebuild lazily, so a failed warm-up is not fatal.
			logger.Warn().Err(err).Msg("initial index build failed")
		} else {
			logger.Info().Ints("languages", reg.Languages()).Dur("duration", time.Since(start)).Msg("indexes warmed")
		}
	}

	srv := server.New(reg, res,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithIgnore(ignored),
		server.WithRoutes(resolver.NewRoutePrefixes(cfg.Resolver.Routes...)),
		server.WithAddr(cfg.Server.ListenAddr),
		server.WithMetricsPath(cfg.Server.MetricsPath),
		server.WithLanguageHeader(cfg.Server.LanguageHeader),
		server.WithDefaultLanguage(cfg.Index.DefaultLanguage),
		server.WithRetryAfter(cfg.Resolver.RetryAfter()),
	)

	logConfig(logger, cfg)
	return srv.Run(ctx)
}

func logConfig(logger zerolog.Logger, cfg *config.Config) {
	logger.Debug().
		Str("listen", cfg.Server.ListenAddr).
		Str("metrics_path", cfg.Server.MetricsPath).
		Int("default_language", cfg.Index.DefaultLanguage).
		Int("build_concurrency", cfg.Index.BuildConcurrency).
		Bool("retain_on_failed_rebuild", cfg.Index.RetainOnFailedRebuild).
		Strs("extensions", cfg.Resolver.Extensions).
		Strs("routes", cfg.Resolver.Routes).
		Ints("extended_page_types", cfg.Resolver.ExtendedPageTypes).
		Msg("configuration loaded")
}
