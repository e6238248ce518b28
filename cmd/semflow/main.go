// Package main provides the semflow binary entry point.
// Semflow drives conversational workflows: plans built from templates whose
// tasks gather facts, check calendars, book meetings and notify attendees.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/logging"
	"github.com/c360studio/semflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Conversational workflow engine",
		Long: `Semflow turns chat requests into plans of tasks and drives them to
completion: gathering missing facts, checking availability, booking
meetings and notifying attendees.

Workflows are stored in NATS JetStream KV (or memory) and can be advanced
over HTTP or by publishing advance requests to JetStream.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&g),
		templatesCmd(&g),
		configCmd(),
		workflowCmd(),
		triggerCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// setup loads layered configuration and builds the process logger.
func setup(g *globalFlags) (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.NewLoader(nil).Load(g.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	logger, closer, err := logging.New(cfg.LoggingOptions(), os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

func serveCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP API and trigger consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := setup(g)
			if err != nil {
				return err
			}
			defer closer.Close()
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address override")
	return cmd
}

func run(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return err
	}
	defer app.Shutdown()

	return app.Serve(ctx)
}

func templatesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List available plan templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, closer, err := setup(g)
			if err != nil {
				return err
			}
			defer closer.Close()

			catalog := workflow.NewCatalog()
			if cfg.Templates.Dir != "" {
				if _, err := catalog.Reload(cfg.Templates.Dir); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			for _, t := range catalog.List() {
				source := t.Source
				if source == "" {
					source = "builtin"
				}
				fmt.Fprintf(out, "%-24s %-32s %d tasks  (%s)\n", t.ID, t.Name, len(t.Tasks), source)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE...",
		Short: "Check template files without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err == nil {
					_, err = workflow.ParseTemplate(data)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d templates invalid", failed, len(args))
			}
			return nil
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.NewLoader(nil).EnsureUserConfig()
		},
	})
	return cmd
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Semflow v" + Version + "                    ║")
	fmt.Println("║      Conversational Workflow Engine           ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// wrapNATSError adds a hint for the common "no server" failure.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set nats.embedded: true to run an embedded server.`, err, url)
	}
	return fmt.Errorf("NATS connection failed: %w", err)
}
