// Command bikelocator answers "are there shared bikes near <place>?" for a
// campus. It runs as an MCP stdio tool server, as an HTTP API, or as a
// one-shot resolver from the shell.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fourma/bikelocator/pkg/config"
	"github.com/fourma/bikelocator/pkg/logger"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

type cli struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "bikelocator",
		Short:         "Find shared bikes near a campus location",
		Long:          "Resolves free-text campus place names (names, aliases, abbreviations) to known locations and reports nearby shared bikes.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			c.cfg = cfg
			logger.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to a YAML config file (defaults and BL_* environment variables apply without one)")

	root.AddCommand(newMCPCmd(c), newServeCmd(c), newResolveCmd(c), newLoadTestCmd(c))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("bikelocator failed", "error", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
