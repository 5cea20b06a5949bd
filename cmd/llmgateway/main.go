// Package main is the entry point for the llmgateway process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/llmgateway/internal/billing"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/health"
	"github.com/howard-nolan/llmgateway/internal/relay"
	"github.com/howard-nolan/llmgateway/internal/reqlog"
	"github.com/howard-nolan/llmgateway/internal/routing"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/store"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	logFormat := flag.String("log-format", "text", "log output format: text or json")
	flag.Parse()

	var handler slog.Handler
	switch *logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, nil)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, nil)
	default:
		return fmt.Errorf("unknown log format %q", *logFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	runtime := config.NewRuntime(cfg.Gateway)
	if err := runtime.Refresh(context.Background(), st); err != nil {
		logger.Warn("loading runtime settings", "error", err)
	}

	tracker := health.NewTracker(health.Settings{
		PassiveFailureThreshold: cfg.Health.PassiveFailureThreshold,
		PassiveCooldown:         cfg.Health.PassiveCooldown,
		ActiveInterval:          cfg.Health.ActiveInterval,
		ActiveSuccessThreshold:  cfg.Health.ActiveSuccessThreshold,
	})
	logs := reqlog.NewWriter(st, logger)

	engine := relay.NewEngine(relay.Deps{
		Store:    st,
		Builder:  routing.NewBuilder(tracker, rand.New(rand.NewSource(time.Now().UnixNano()))),
		Client:   upstream.NewClient(cfg.Upstream.RequestTimeout),
		Billing:  billing.NewEngine(st, logger),
		Logs:     logs,
		Registry: transform.NewRegistry(),
		Runtime:  runtime,
		Logger:   logger,
		Brand:    cfg.Gateway.Brand,
	})

	prober := health.NewProber(st, tracker, engine.Probe, logs.FinalizeSync, cfg.Health.ProbeModel, cfg.Health.ProbeTick, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.New(st, engine, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("llmgateway listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		prober.Run(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logs.Wait()
	return err
}
