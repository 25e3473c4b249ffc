package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	mcp "github.com/TangGee/go-mcp-sse"
	"github.com/TangGee/go-mcp-sse/internal/config"
)

const streamCloseTimeout = 5 * time.Second

func clientCmd() *cobra.Command {
	var (
		serverURL string
		prompt    string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the demonstration client against a server",
		Long: `Connect to a server, initialize, send one sample request and shut the session down.

Settings are read from MCP_* environment variables and can be overridden with flags.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("url") {
				cfg.ServerURL = serverURL
			}
			if cmd.Flags().Changed("prompt") {
				cfg.Prompt = prompt
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Timeout = timeout
			}
			return runClient(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&serverURL, "url", "", "base URL of the server (MCP_SERVER_URL)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt of the sample request (MCP_CLIENT_PROMPT)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "timeout of the whole exchange (MCP_CLIENT_TIMEOUT)")

	return cmd
}

func runClient(ctx context.Context, cfg config.ClientConfig, out io.Writer) error {
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cli := mcp.NewSSEClient(strings.TrimRight(cfg.ServerURL, "/")+ssePath, nil, mcp.WithSSEClientLogger(logger))
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer cli.Close()
	logger.Info("connected", slog.String("endpoint", cli.MessageURL()))

	initResult, err := cli.Initialize(ctx, mcp.Info{Name: "MCPTestClient", Version: "1.0.0"}, map[string]any{
		"roots":    map[string]any{"listChanged": true},
		"sampling": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := printResult(out, "initialize", initResult); err != nil {
		return err
	}

	sampleResult, err := cli.Sample(ctx, mcp.SampleParams{Prompt: cfg.Prompt})
	if err != nil {
		return fmt.Errorf("sample: %w", err)
	}
	if err := printResult(out, "sample", sampleResult); err != nil {
		return err
	}

	shutdownResult, err := cli.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := printResult(out, "shutdown", shutdownResult); err != nil {
		return err
	}

	select {
	case <-cli.Done():
		logger.Info("server closed the stream")
	case <-time.After(streamCloseTimeout):
		logger.Warn("server did not close the stream")
	case <-ctx.Done():
	}
	return nil
}

func printResult(out io.Writer, method string, result any) error {
	bs, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s result: %w", method, err)
	}
	_, err = fmt.Fprintf(out, "%s:\n%s\n", method, bs)
	return err
}
