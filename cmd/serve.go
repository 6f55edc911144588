package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"lmbridge/internal/config"
	"lmbridge/internal/metrics"
	"lmbridge/internal/resolver"
	"lmbridge/internal/server"
	"lmbridge/internal/upstream/openaiapi"
)

const serveUsage = `Usage:
  lmbridge serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional; env vars apply either way)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	return run(ctx, cfg)
}

// run wires the upstream adapter, resolver, metrics and server, then blocks
// until the context is cancelled.
func run(ctx context.Context, cfg config.Config) error {
	log := slog.Default()

	provider := openaiapi.New(cfg.Upstream.APIKey, cfg.Upstream.BaseURL)
	res := resolver.New(provider, cfg.Model.Default, log)
	m := metrics.New()

	srv, err := server.New(cfg, provider, res, m, log)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
