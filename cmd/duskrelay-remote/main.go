// Package main provides the CLI entry point for the remote (destination-
// facing) tunnel endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/duskrelay/duskrelay/internal/config"
	"github.com/duskrelay/duskrelay/internal/logging"
	"github.com/duskrelay/duskrelay/internal/metrics"
	"github.com/duskrelay/duskrelay/internal/remoteproxy"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := runCmd()
	rootCmd.Use = "duskrelay-remote"
	rootCmd.Version = Version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		logLevel    string
		logFormat   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "duskrelay-remote [config-path]",
		Short: "Run the remote destination-facing tunnel endpoint",
		Long: `Start the remote endpoint: accept connections from a local proxy,
identify the connecting user, perform the v3 handshake, dial the
requested destination, and relay bytes through an AEAD-sealed tunnel.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(logLevel, logFormat)

			configPath := "conf/remote.toml"
			if len(args) == 1 {
				configPath = args[0]
			}
			cfgPath := config.ExpandHome(configPath)
			cfg, err := config.LoadRemote(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			m := metrics.Default()

			r := remoteproxy.New(remoteproxy.Config{
				Listen:  cfg.Listen,
				Users:   cfg.Users,
				Logger:  logger,
				Metrics: m,
			})

			if err := r.Start(); err != nil {
				return fmt.Errorf("start remote proxy: %w", err)
			}
			defer r.Stop()

			var metricsServer *http.Server
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Warn("metrics server stopped", logging.KeyError, err)
					}
				}()
				logger.Info("metrics listening", "address", metricsAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			if metricsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsServer.Shutdown(ctx)
			}

			return r.Stop()
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (defaults to DUSKRELAY_LOG/RUST_LOG, then info)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Address to serve Prometheus metrics on (empty disables)")

	return cmd
}
