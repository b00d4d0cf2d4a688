package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fourma/bikelocator/internal/mcp"
)

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the find_bikes tool over MCP stdio",
		Long:  "Speaks newline-delimited JSON-RPC 2.0 on stdin/stdout. Logs go to stderr.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, appOptions{background: true})
			if err != nil {
				return err
			}
			defer a.close()

			return mcp.NewLocatorServer(a.service, version).Serve(ctx, os.Stdin, os.Stdout)
		},
	}
}
