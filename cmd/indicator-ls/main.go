// Command indicator-ls runs the indicator language server on stdin/stdout.
// stdout carries protocol frames exclusively; logs go to stderr as JSON.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantlab/indicator-ls-go/config"
	"github.com/quantlab/indicator-ls-go/documents"
	"github.com/quantlab/indicator-ls-go/internal/logctx"
	"github.com/quantlab/indicator-ls-go/stdio"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "indicator-ls",
		Short:        "Language server for trading-indicator scripts, speaking JSON-RPC over stdio",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	})

	serverVersion := cfg.ServerVersion
	if serverVersion == "0.0.0" && version != "dev" {
		serverVersion = version
	}

	opts := []stdio.Option{
		stdio.WithLogger(log),
		stdio.WithServerInfo(cfg.ServerName, serverVersion),
		stdio.WithFrameLimits(cfg.LargeMessageBytes, cfg.MaxMessageBytes),
	}
	if cfg.WatchWorkspace {
		opts = append(opts, stdio.WithWatcher(documents.NewWatcher(documents.WithWatcherLogger(log)), ""))
	}

	h := stdio.NewHandler(nil, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("indicator-ls.start",
		slog.String("name", cfg.ServerName),
		slog.String("version", serverVersion))
	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("indicator-ls.fail", slog.String("err", err.Error()))
		return err
	}
	log.Info("indicator-ls.stop")
	return nil
}
