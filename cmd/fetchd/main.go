// Command fetchd runs a batch fetch over a URL list and writes a JSON
// summary. With a stats address configured it also serves the per-host
// telemetry API for the duration of the run.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/api"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/batch"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/config"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/fetch"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/internal/robots"
	"github.com/ZaBrisket/Edge.Scraper.Pro-sub006/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to fetch engine configuration")
	urlsPath := flag.String("urls", "-", "File with one URL per line, or - for stdin")
	outPath := flag.String("out", "-", "Where to write the JSON run summary, or - for stdout")
	statsAddr := flag.String("stats-addr", "", "Stats API listen address (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if *statsAddr != "" {
		cfg.Stats.Addr = *statsAddr
	}

	logger := buildLogger(cfg.Logging)

	urls, err := readURLs(*urlsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read URL list: %v\n", err)
		os.Exit(1)
	}
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "no URLs to fetch")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := fetch.New(fetch.Options{
		UserAgent: cfg.EffectiveUserAgent(),
		Headers:   cfg.Fetch.Headers,
		ProxyURL:  cfg.Fetch.ProxyURL,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise fetch client: %v\n", err)
		os.Exit(1)
	}

	var robotsAgent *robots.Agent
	if cfg.Robots.Respect {
		robotsAgent = robots.NewAgent(cfg.Robots, client.HTTPClient())
	}

	runner := batch.NewRunner(client, batch.Options{
		Concurrency: cfg.Worker.Concurrency,
		QueueSize:   cfg.Worker.QueueSize,
		Policy:      policyFromConfig(cfg),
		Robots:      robotsAgent,
		Logger:      logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	var statsServer *http.Server
	if cfg.Stats.Addr != "" {
		statsServer = &http.Server{
			Addr:    cfg.Stats.Addr,
			Handler: api.NewServer(client, logger),
		}
		group.Go(func() error {
			logger.Info("stats api listening", "addr", cfg.Stats.Addr)
			if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("stats server: %w", err)
			}
			return nil
		})
	}

	var summary *batch.Summary
	group.Go(func() error {
		var runErr error
		summary, runErr = runner.Run(groupCtx, urls)
		if statsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := statsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("stats shutdown error", "error", err)
			}
		}
		return runErr
	})

	runFailed := false
	if err := group.Wait(); err != nil {
		logger.Error("run aborted", "error", err)
		runFailed = true
	}

	if summary != nil {
		if err := writeSummary(*outPath, summary); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write summary: %v\n", err)
			os.Exit(1)
		}
	}
	if runFailed {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	// A missing file at the default location falls back to defaults; an
	// explicit but broken config is fatal.
	if errors.Is(err, os.ErrNotExist) && path == "configs/config.yaml" {
		cfg := config.Default()
		return &cfg, nil
	}
	return nil, err
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Structured {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func policyFromConfig(cfg *config.Config) types.FetchPolicy {
	return types.FetchPolicy{
		Timeout:                cfg.Fetch.Timeout.Duration,
		MaxRedirects:           cfg.Fetch.MaxRedirects,
		MaxBodyBytes:           cfg.Fetch.MaxBodyBytes,
		BlockProtocolDowngrade: cfg.Fetch.BlockProtocolDowngrade,
		HostDenylist:           cfg.Fetch.HostDenylist,

		RateLimitPerSecond: cfg.RateLimit.PerSecond,
		RateLimitBurst:     cfg.RateLimit.Burst,
		RateLimitMaxWait:   cfg.RateLimit.MaxWait.Duration,

		CircuitFailureThreshold:  cfg.Circuit.FailureThreshold,
		CircuitSuccessThreshold:  cfg.Circuit.SuccessThreshold,
		CircuitCooldown:          cfg.Circuit.Cooldown.Duration,
		CircuitHalfOpenMaxTrials: cfg.Circuit.HalfOpenMaxTrials,
		CircuitBreakOn4xx:        cfg.Fetch.CircuitBreakOn4xx,
	}
}

func readURLs(path string) ([]string, error) {
	var in *os.File
	if path == "-" {
		in = os.Stdin
	} else {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		in = fh
	}

	var urls []string
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func writeSummary(path string, summary *batch.Summary) error {
	if path == "-" {
		return summary.WriteJSON(os.Stdout)
	}
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := summary.WriteJSON(fh); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
