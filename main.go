package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"whatsapp-autoreply/ai"
	"whatsapp-autoreply/api"
	"whatsapp-autoreply/authstore"
	"whatsapp-autoreply/cache"
	"whatsapp-autoreply/config"
	"whatsapp-autoreply/license"
	"whatsapp-autoreply/pipeline"
	"whatsapp-autoreply/queue"
	"whatsapp-autoreply/site"
	"whatsapp-autoreply/transport"
	"whatsapp-autoreply/transport/wameow"
	"whatsapp-autoreply/utils"
	"whatsapp-autoreply/whatsapp"
)

const appName = "wa-autoreply"

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to the YAML config file")
	listen := flagSet.String("listen", "", "HTTP listen address (overrides server.address)")
	logLevel := flagSet.String("log-level", "", "log level (overrides log.level)")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Address = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := utils.NewLogger(utils.LoggerOptions{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File.Enabled,
		FilePath:   cfg.Log.File.Path,
		MaxSizeMB:  cfg.Log.File.MaxSizeMB,
		MaxBackups: cfg.Log.File.MaxBackups,
		MaxAgeDays: cfg.Log.File.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	if cfg.Log.Format != "json" {
		figure.NewFigure(appName, "cybermedium", true).Print()
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", version).Str("driver", cfg.Database.Driver).Msg("Starting")

	db, err := authstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := authstore.Migrate(db, cfg.Database.Driver, logger); err != nil {
		return err
	}
	key, err := cfg.Database.EncryptionKey()
	if err != nil {
		return err
	}
	store := authstore.New(db, cfg.Database.Driver, key, logger)

	var factory transport.Factory
	if cfg.Transport.Enabled {
		wf, err := wameow.NewFactory(ctx, cfg.Transport.Dialect, cfg.Transport.DSN, cfg.Transport.LogLevel, logger)
		if err != nil {
			return fmt.Errorf("opening whatsapp key store: %w", err)
		}
		defer wf.Close()
		factory = wf
	} else {
		logger.Warn().Msg("WhatsApp transport disabled; connect requests will fail")
	}

	q, err := queue.NewQueue(cfg.Site.Workers, cfg.Site.QueueSize, cfg.Site.Timeout, logger)
	if err != nil {
		return err
	}

	licenses := license.NewClient(cfg.License.BaseURL, cfg.License.Token, cfg.License.Timeout, logger)
	sites := site.NewClient(cfg.Site.Timeout, q, logger)
	completions := ai.NewClient(cfg.AI.BaseURL, cfg.AI.APIKey, licenses, logger,
		ai.WithModel(cfg.AI.Model, cfg.AI.MaxTokens, cfg.AI.Temperature),
		ai.WithTimeout(cfg.AI.Timeout),
	)
	handler := pipeline.New(completions, sites, licenses, logger)

	registry := whatsapp.NewRegistry(factory, store, licenses, handler, whatsapp.Options{
		ConnectWait:          cfg.Session.ConnectWait,
		PersistDebounce:      cfg.Session.PersistDebounce,
		ReconnectBase:        cfg.Session.ReconnectBase,
		ReconnectMax:         cfg.Session.ReconnectMax,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
	}, logger)

	server := api.NewServer(api.Config{
		RequestRate:  cfg.Server.RequestRate,
		RequestBurst: cfg.Server.RequestBurst,
	}, registry, cache.NewCache(cfg.Session.QRCacheSize), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(cfg.Server.Address)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := registry.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("closing sessions: %w", err))
		}
		if err := q.Close(cfg.Server.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("draining webhook queue: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info().Err(err).Msg("Stopped")
	return err
}
