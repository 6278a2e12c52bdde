package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/john/k1bridge/api"
	"github.com/john/k1bridge/history"
	"github.com/john/k1bridge/printer"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "k1bridge",
		Short: "Bridge for Creality K1 series printers",
		Long: `k1bridge keeps a live WebSocket session to one or more Creality K1
printers, tracks their state and print history, and exposes them over
HTTP and a push WebSocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		runCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge",
		Long: `Run the bridge with the given configuration file. Environment
variables prefixed with K1BRIDGE_ override file values, e.g.

  K1BRIDGE_PRINTER_HOST=192.168.1.50 k1bridge run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, os.Stderr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	return cmd
}

func run(ctx context.Context, cfg *Config, logOut io.Writer) error {
	log, err := NewLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	log.Info("K1 bridge starting", "version", version, "printers", len(cfg.Printers), "listen", cfg.Server.Listen)

	shutdownTracing, err := setupTracing(cfg.Tracing, os.Stdout, log)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clients := make([]*printer.Client, 0, len(cfg.Printers))
	for _, pc := range cfg.PrinterConfigs(log, reg) {
		c, err := printer.NewClient(pc)
		if err != nil {
			return fmt.Errorf("printer %s: %w", pc.Name, err)
		}
		clients = append(clients, c)
	}

	var server *api.Server

	var hist *history.Manager
	if cfg.History.Enabled {
		hist, err = history.NewManager(cfg.History.Path, log, func(action history.HistoryChangedAction, job history.Job) {
			if server != nil {
				server.BroadcastHistoryChanged(action, job)
			}
		})
		if err != nil {
			return fmt.Errorf("initializing history: %w", err)
		}
		defer hist.Close()
		log.Info("History database opened", "path", cfg.History.Path)
	}

	server, err = api.NewServer(api.Config{
		Addr:     cfg.Server.Listen,
		Printers: clients,
		History:  hist,
		Registry: reg,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	for _, c := range clients {
		if hist != nil {
			defer hist.Track(c)()
		}
		c.Start(ctx)
		defer c.Close()
	}

	errCh := make(chan error, 1)
	if cfg.Server.Listen != "" {
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		log.Error("Server error", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func statusCmd() *cobra.Command {
	var (
		host    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print one printer's current state",
		Long: `Connect to a printer, wait for its first status frame and print the
merged state as JSON.

Examples:
  k1bridge status --host 192.168.1.50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), host, timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "", "printer IP address or hostname")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 15*time.Second, "how long to wait for a status frame")
	_ = cmd.MarkFlagRequired("host")

	return cmd
}

func runStatus(ctx context.Context, host string, timeout time.Duration, out io.Writer) error {
	c, err := printer.NewClient(printer.Config{
		Host:   host,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.Start(ctx)
	st, err := c.WaitForStatus(ctx)
	if err != nil {
		if last := c.LastError(); last != nil {
			return fmt.Errorf("no status from %s: %w", host, last)
		}
		return fmt.Errorf("no status from %s: %w", host, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, version)
				return
			}
			fmt.Fprintf(out, "k1bridge %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}
