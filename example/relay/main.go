// Command ts3relay relays TeamSpeak 3 server notifications to HTTP clients as
// Server-Sent Events and offers an interactive ServerQuery console.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

type commandContext struct {
	configFlag string
	levelFlag  string
	logOutput  io.Writer

	config *Config
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand(logOutput io.Writer) *cobra.Command {
	ctx := &commandContext{logOutput: logOutput}

	rootCmd := &cobra.Command{
		Use:           "ts3relay",
		Short:         "TeamSpeak 3 ServerQuery relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "kinds" {
				return nil
			}
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "ts3relay.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.levelFlag, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newConsoleCommand(ctx))
	rootCmd.AddCommand(newKindsCommand())

	return rootCmd
}

func (c *commandContext) load() error {
	cfg, exists, err := Load(strings.TrimSpace(c.configFlag))
	if err != nil {
		return err
	}
	if c.levelFlag != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(c.levelFlag))
		if _, err := parseLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}

	logger, err := newLogger(c.logOutput, cfg.Logging)
	if err != nil {
		return err
	}
	if !exists {
		logger.Debug("config file not found, using defaults", slog.String("path", c.configFlag))
	}

	c.config = cfg
	c.logger = logger
	return nil
}

func newKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the notification kinds and the registrations they need",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), renderKinds())
			return nil
		},
	}
}
