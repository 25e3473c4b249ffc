package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mcp "github.com/TangGee/go-mcp-sse"
	"github.com/TangGee/go-mcp-sse/internal/config"
)

func stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single session over stdin and stdout",
		Long: `Serve a single session over stdin and stdout, one JSON-RPC envelope per line.

Logs are written to stderr. The prompt store and handler timeout are configured as for serve.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			return runStdIO(cmd.Context(), cfg)
		},
	}
}

func runStdIO(ctx context.Context, cfg config.ServerConfig) error {
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	transport := mcp.NewStdIO(os.Stdin, os.Stdout, a.dispatcher, mcp.WithStdIOLogger(logger))
	err = transport.Serve(ctx)
	a.sampling.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
