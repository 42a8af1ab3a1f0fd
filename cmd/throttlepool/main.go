package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crawlkit/throttlepool/internal/config"
	"github.com/crawlkit/throttlepool/internal/throttler"
	"github.com/crawlkit/throttlepool/pkg/throttlepool"
)

var (
	cfgFile  string
	verbose  bool
	workers  int
	requests int
	group    string
	duration string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "throttlepool",
		Short: "throttlepool — multi-dimensional crawl throttling coordinator",
		Long: `throttlepool gates crawl traffic on three independent axes:
concurrent connections, fetch frequency, and stream read bandwidth,
with limits expressed per named bin and enforced across bin intersections.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runCmd creates the "run" subcommand: fetch the given URLs through the
// configured throttle groups with a worker pool.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Fetch URLs through the throttle pool",
		Long:  "Fetch the given URLs through the configured throttle groups, pacing connections, fetches, and reads.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFetch,
	}

	cmd.Flags().IntVarP(&workers, "workers", "n", 4, "number of concurrent fetch workers")
	cmd.Flags().IntVarP(&requests, "repeat", "r", 1, "times to fetch each URL")
	cmd.Flags().StringVarP(&group, "group", "g", "web/default", "throttle group as type/name")
	cmd.Flags().StringVar(&duration, "max-duration", "", "stop after this duration (e.g. 30s)")

	return cmd
}

// runFetch executes the run command.
func runFetch(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	groupType, groupName, err := splitGroup(group)
	if err != nil {
		return err
	}
	if !hasGroup(cfg, groupType, groupName) {
		cfg.Throttle.Groups = append(cfg.Throttle.Groups, config.GroupConfig{
			Type: groupType,
			Name: groupName,
			Default: config.BinLimits{
				MaxConnections:   2,
				MinFetchInterval: time.Second,
			},
		})
		logger.Info("group not in config, using defaults", "group", group)
	}

	pool := throttlepool.NewPoolFromConfig(cfg, logger)
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if duration != "" {
		d, err := time.ParseDuration(duration)
		if err != nil {
			return fmt.Errorf("invalid --max-duration: %w", err)
		}
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down...", "signal", sig)
		cancel()
	}()

	// Build the work list
	urls := make(chan string, len(args)*requests)
	for i := 0; i < requests; i++ {
		for _, u := range args {
			urls <- u
		}
	}
	close(urls)

	var fetched, failed atomic.Int64
	var bytes atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLogger := logger.With("worker_id", id)
			for u := range urls {
				result, err := pool.Fetch(ctx, groupType, groupName, u)
				if err != nil {
					failed.Add(1)
					if errors.Is(err, throttler.ErrShuttingDown) || errors.Is(err, context.Canceled) {
						return
					}
					workerLogger.Warn("fetch failed", "url", u, "error", err)
					continue
				}
				fetched.Add(1)
				bytes.Add(result.BytesRead)
				workerLogger.Debug("fetched",
					"url", u,
					"status", result.StatusCode,
					"bytes", result.BytesRead,
					"throttle_wait", result.ThrottleWait,
				)
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	snap := pool.Metrics()

	logger.Info("run complete",
		"elapsed", elapsed,
		"fetched", fetched.Load(),
		"failed", failed.Load(),
		"bytes", bytes.Load(),
	)

	fmt.Printf("\nRun complete in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Fetched:      %d ok, %d failed\n", fetched.Load(), failed.Load())
	fmt.Printf("   Data:         %d bytes downloaded\n", bytes.Load())
	fmt.Printf("   Conn grants:  %d granted, %d denied\n", snap["connections_granted"], snap["connections_denied"])
	fmt.Printf("   Fetch waits:  %d ms total\n", snap["fetch_wait_ms"])
	fmt.Printf("   Read waits:   %d ms total\n", snap["read_wait_ms"])

	return nil
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Throttle:\n")
			fmt.Printf("  Poll Interval:      %s\n", cfg.Throttle.PollInterval)
			fmt.Printf("  Free-Unused Sweep:  %s\n", cfg.Throttle.FreeUnusedInterval)
			fmt.Printf("  Groups:             %d configured\n", len(cfg.Throttle.Groups))
			for _, g := range cfg.Throttle.Groups {
				fmt.Printf("    %s/%s: max_conn=%d fetch_interval=%s ms_per_byte=%g (%d bin overrides)\n",
					g.Type, g.Name,
					g.Default.MaxConnections, g.Default.MinFetchInterval, g.Default.MillisecondsPerByte,
					len(g.Bins))
			}
			fmt.Printf("\nFetcher:\n")
			fmt.Printf("  Request Timeout:    %s\n", cfg.Fetcher.RequestTimeout)
			fmt.Printf("  Follow Redirects:   %v\n", cfg.Fetcher.FollowRedirects)
			fmt.Printf("  Max Body Size:      %d bytes\n", cfg.Fetcher.MaxBodySize)
			fmt.Printf("  Read Block Size:    %d bytes\n", cfg.Fetcher.ReadBlockSize)
			fmt.Printf("\nStorage:\n")
			fmt.Printf("  Type:               %s\n", cfg.Storage.Type)
			fmt.Printf("  Output Path:        %s\n", cfg.Storage.OutputPath)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:            %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:               %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("throttlepool %s\n", config.Version)
		},
	}
}

// setupLogger creates a structured logger.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// splitGroup parses a "type/name" group reference.
func splitGroup(s string) (string, string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			if i == 0 || i == len(s)-1 {
				break
			}
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("group must be type/name, got %q", s)
}

// hasGroup reports whether the config declares the group.
func hasGroup(cfg *config.Config, groupType, groupName string) bool {
	for _, g := range cfg.Throttle.Groups {
		if g.Type == groupType && g.Name == groupName {
			return true
		}
	}
	return false
}
