package cmd

import (
	"context"
	"fmt"
	"strings"

	"lmbridge/internal/config"
)

const usage = `lmbridge exposes one upstream model provider through an OpenAI-compatible API.

Usage:
  lmbridge serve [flags]

Commands:
  serve    Start the HTTP server

Flags:
  -h, --help  Show this help message

Run with no arguments to start the server when auto_start is configured.`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return autoStart(ctx)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

// autoStart honors the auto_start configuration flag when the binary is
// invoked bare.
func autoStart(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if !cfg.Server.AutoStart {
		return printUsage()
	}
	return run(ctx, cfg)
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
