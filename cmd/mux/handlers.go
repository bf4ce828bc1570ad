package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/muxhq/mux/internal/api"
	"github.com/muxhq/mux/internal/config"
	"github.com/muxhq/mux/internal/engine"
	"github.com/muxhq/mux/internal/history"
	"github.com/muxhq/mux/internal/metrics"
	"github.com/muxhq/mux/internal/provider"
)

// runServe implements the serve command: configuration loading, engine
// assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath, addr string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	logger.Info("starting mux host",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	store, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := store.Snapshot()

	providerConfigs := make(map[string]provider.ClientConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		providerConfigs[name] = provider.ClientConfig{
			APIKey:   pc.APIKey,
			BaseURL:  pc.BaseURL,
			Disabled: pc.Disabled,
		}
	}
	providers := provider.NewRegistry(providerConfigs)

	home := config.HomeDir()
	hist := history.NewStore(filepath.Join(home, "history"), logger)
	m := metrics.New(prometheus.DefaultRegisterer)

	eng := engine.New(engine.Options{
		Config:    store,
		Secrets:   config.NewSecretsStore(home),
		History:   hist,
		Partials:  history.NewPartialStore(hist),
		Providers: providers,
		Metrics:   m,
		Logger:    logger,
	})
	defer eng.Dispose()

	if addr == "" {
		addr = cfg.Server.Addr
	}
	server := api.NewServer(api.Options{
		Addr:        addr,
		BearerToken: cfg.Server.BearerToken,
		Engine:      eng,
		Metrics:     m,
		Logger:      logger,
	})
	if _, err := server.Start(); err != nil {
		return err
	}

	logger.Info("mux host ready",
		"addr", addr,
		"workspaces", len(eng.ListWorkspaces()),
		"default_model", cfg.Defaults.Model,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// runWorkspaces prints the recorded workspaces from the config file.
func runWorkspaces(cmd *cobra.Command, configPath string) error {
	store, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	workspaces := store.Workspaces()
	if len(workspaces) == 0 {
		cmd.Println("no workspaces recorded")
		return nil
	}
	for _, ws := range workspaces {
		title := ws.Title
		if title == "" {
			title = "-"
		}
		cmd.Printf("%s  %-20s  %-30s  %s\n", ws.ID, ws.Name, title, ws.NamedWorkspacePath)
	}
	return nil
}
