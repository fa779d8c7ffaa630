package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/daemon"
	mcpserver "github.com/felixgeelhaar/sandboxgate/internal/mcp"
	"github.com/spf13/cobra"
)

func mcpCmd(opts *rootOptions) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve sandbox tools over the Model Context Protocol",
		Long: `Serve sandbox tools over MCP on stdio, or over HTTP with --http.

The tools run against an in-process manager built from the same
configuration as sandboxd, so a durable store is shared with the daemon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Stdout carries the protocol.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server, err := daemon.NewServer(ctx, daemon.ServerConfig{Config: cfg})
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Warn("shutdown error", "error", err)
				}
			}()

			mcpSrv := mcpserver.NewServer(mcpserver.Config{
				Manager: server.Manager(),
				Version: version,
			})
			if httpAddr != "" {
				return mcpSrv.ServeHTTP(ctx, httpAddr)
			}
			return mcpSrv.ServeStdio(ctx)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve MCP over HTTP on this address instead of stdio")
	return cmd
}
