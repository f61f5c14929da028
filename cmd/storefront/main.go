// Package main wires together the storefront crawler binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feedcart/storefront-crawler/internal/api"
	"github.com/feedcart/storefront-crawler/internal/clock/system"
	"github.com/feedcart/storefront-crawler/internal/config"
	"github.com/feedcart/storefront-crawler/internal/crawl"
	collyfetcher "github.com/feedcart/storefront-crawler/internal/fetcher/colly"
	"github.com/feedcart/storefront-crawler/internal/id/uuid"
	"github.com/feedcart/storefront-crawler/internal/identity"
	"github.com/feedcart/storefront-crawler/internal/ledger"
	"github.com/feedcart/storefront-crawler/internal/logging"
	"github.com/feedcart/storefront-crawler/internal/orchestrator"
	"github.com/feedcart/storefront-crawler/internal/progress"
	"github.com/feedcart/storefront-crawler/internal/sink"
	postgresstore "github.com/feedcart/storefront-crawler/internal/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	resume := flag.Bool("resume", false, "Retry the failed targets of the previous run instead of a full crawl")
	countries := flag.String("countries", "", "Comma-separated country codes to crawl (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	if *countries != "" {
		cfg.Crawler.Countries = splitCountries(*countries)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx := context.Background()

	rotator, err := identity.NewRotator(cfg.Crawler.UserAgents)
	if err != nil {
		logger.Error("identity rotator init failed", zap.Error(err))
		return 1
	}

	progressStore, failureLedger, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Error("storage init failed", zap.Error(err))
		return 1
	}
	defer closeStores()

	resultSink, err := sink.New(cfg.Storage.DataDir, logger.Named("sink"))
	if err != nil {
		logger.Error("result sink init failed", zap.Error(err))
		return 1
	}

	client := collyfetcher.New(collyfetcher.Config{
		BaseURL:        cfg.Crawler.BaseURL,
		CountryInfoURL: cfg.Crawler.CountryInfoURL,
		Timeout:        cfg.Timeout(),
		MinDelay:       cfg.MinDelay(),
		MaxDelay:       cfg.MaxDelay(),
	}, rotator, logger.Named("fetcher"))

	mode := crawl.RunModeFull
	if *resume {
		mode = crawl.RunModeResume
	}

	runID, err := uuid.New().NewID()
	if err != nil {
		logger.Error("run id generation failed", zap.Error(err))
		return 1
	}

	orch, err := orchestrator.New(
		orchestrator.Config{
			Mode:       mode,
			Countries:  cfg.Crawler.Countries,
			Workers:    cfg.Crawler.Workers,
			QueueDepth: cfg.Crawler.QueueDepth,
		},
		runID,
		client,
		client,
		progressStore,
		failureLedger,
		resultSink,
		system.New(),
		logger,
	)
	if err != nil {
		logger.Error("orchestrator init failed", zap.Error(err))
		return 1
	}

	shutdownServer := startServer(cfg, orch, logger)
	defer shutdownServer()

	if mode == crawl.RunModeFull {
		resolveCountryNames(ctx, cfg.Crawler.Countries, client, resultSink)
	}

	summary, err := orch.Run(ctx)
	if err != nil {
		logger.Error("crawl failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return 1
	}
	logger.Info("crawl summary",
		zap.String("run_id", summary.RunID),
		zap.String("mode", string(summary.Mode)),
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
		zap.Int64("skipped", summary.Skipped),
		zap.Duration("elapsed", summary.Elapsed()),
	)
	return 0
}

// buildStores picks the persistence backend from config.
func buildStores(ctx context.Context, cfg config.Config) (crawl.ProgressStore, crawl.FailureLedger, func(), error) {
	switch cfg.Storage.Provider {
	case "file":
		store, err := progress.Open(cfg.Storage.ProgressPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open progress store: %w", err)
		}
		led, err := ledger.Open(cfg.Storage.FailuresPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open failure ledger: %w", err)
		}
		return store, led, func() {}, nil
	case "postgres":
		store, err := postgresstore.NewProgressStore(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open progress store: %w", err)
		}
		led, err := postgresstore.NewLedger(ctx, cfg.Storage.DSN)
		if err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("open failure ledger: %w", err)
		}
		return store, led, func() {
			led.Close()
			store.Close()
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage.provider %q", cfg.Storage.Provider)
	}
}

// startServer launches the status API when enabled. The returned func shuts
// it down.
func startServer(cfg config.Config, orch *orchestrator.Orchestrator, logger *zap.Logger) func() {
	if !cfg.Server.Enabled {
		return func() {}
	}
	apiServer := api.NewServer(orch, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}
}

// resolveCountryNames gives the sink display names for the countries being
// crawled. Lookup failures degrade to the upper-cased code inside the client.
func resolveCountryNames(ctx context.Context, codes []string, client *collyfetcher.Client, resultSink *sink.Sink) {
	seen := make(map[string]struct{})
	for _, raw := range codes {
		code := crawl.NormalizeCountry(raw)
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		resultSink.SetCountryName(code, client.CountryName(ctx, code))
	}
}

func splitCountries(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
