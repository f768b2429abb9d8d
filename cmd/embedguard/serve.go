// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/embedguard/internal/config"
	"github.com/ManuGH/embedguard/internal/daemon"
	"github.com/ManuGH/embedguard/internal/log"
	"github.com/ManuGH/embedguard/internal/version"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the embedguard daemon.

Configuration precedence is ENV > file > defaults. The file is watched
and SIGHUP forces a reload; only logLevel applies without a restart.

Examples:
  embedguard serve --config /etc/embedguard/config.yaml
  EMBEDGUARD_UPSTREAM_URL=https://bi.internal embedguard serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(*configPath))
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	log.Configure(log.Config{Level: "info", Service: "embedguard", Version: version.Version})
	logger := log.WithComponent("main")

	loader := config.NewLoader(configPath, version.Version)
	loader.ConsumedEnvKeys[envConfigPath] = struct{}{}
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", configPath).
			Msg("failed to load configuration")
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "embedguard", Version: cfg.Version})
	source := "env"
	if configPath != "" {
		source = "file"
	}
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("source", source).
		Str("path", configPath).
		Str("upstream", cfg.Upstream.BaseURL).
		Msg("configuration loaded")
	for _, key := range loader.UnknownEnvKeys() {
		logger.Warn().
			Str(log.FieldEvent, "config.unknown_env").
			Str("key", key).
			Msg("ignoring unknown environment variable")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := daemon.New(ctx, config.NewHolder(cfg, loader), daemon.Options{Version: version.Version})
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	return app.Run(ctx)
}
