package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/config"
	"github.com/llmbridge/gateway/internal/directupstream"
	gatewayhttp "github.com/llmbridge/gateway/internal/interfaces/http"
	"github.com/llmbridge/gateway/internal/interfaces/http/handlers"
	"github.com/llmbridge/gateway/internal/imagepipeline"
	"github.com/llmbridge/gateway/internal/infrastructure/logger"
	"github.com/llmbridge/gateway/internal/infrastructure/monitoring"
	"github.com/llmbridge/gateway/internal/infrastructure/persistence"
	"github.com/llmbridge/gateway/internal/lifecycle"
	"github.com/llmbridge/gateway/internal/responder"
	"github.com/llmbridge/gateway/internal/tabs"
	"github.com/llmbridge/gateway/internal/translator"
	"github.com/llmbridge/gateway/pkg/safego"
)

const (
	appName    = "llmbridge-gateway"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	log, err := logger.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting gateway", zap.String("name", appName), zap.String("version", appVersion))

	stateDir := envOr("GATEWAY_STATE_DIR", ".")
	store := config.NewStore(
		filepath.Join(stateDir, "config.jsonc"),
		filepath.Join(stateDir, "model_endpoint_map.json"),
		filepath.Join(stateDir, "models.json"),
		log,
	)
	store.StartBackground(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(store, stateDir, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("failed to start application", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("gateway stopped successfully")
}

// app owns every long-running component so main can start and stop them
// as one unit.
type app struct {
	httpServer *gatewayhttp.Server
	store      *config.Store
	queue      *lifecycle.PendingRequestQueue
	sweeper    *lifecycle.StaleSweeper
	watchdog   *lifecycle.IdleRestartWatchdog
	db         *persistence.DB
	hub        *tabs.Hub
	registry   *tabs.Registry
	monitor    *monitoring.Monitor
	logger     *zap.Logger
	cancelBG   context.CancelFunc
}

func newApp(store *config.Store, stateDir string, log *zap.Logger) (*app, error) {
	settings := store.GetConfig()

	logsDir := filepath.Join(stateDir, "logs")
	if err := config.EnsureDir(filepath.Join(logsDir, "requests.db")); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	db, err := persistence.Open(filepath.Join(logsDir, "requests.db"))
	if err != nil {
		return nil, fmt.Errorf("open requests database: %w", err)
	}

	monitor := monitoring.NewMonitor(log)
	sink := persistence.MultiSink{db, &persistence.FileLog{BaseDir: logsDir, Gzip: true}}
	obs := monitoring.NewObservability(monitor, settings.RequestDetailsCacheSize, 64<<20, sink, log)

	registry := tabs.NewRegistry(settings.TabCapacityAdvisory, log)
	broker := tabs.NewBroker(registry.Release, log)
	hub := tabs.NewHub(registry, broker, settings.MaxRequestTransfers, log)

	uploader := imagepipeline.NewHTTPUploader()
	downloader := imagepipeline.NewHTTPDownloader()
	localArchiver := &imagepipeline.LocalArchiver{BaseDir: filepath.Join(stateDir, "downloaded_images")}
	if settings.LocalSaveFormat != nil {
		localArchiver.Format = &imagepipeline.LocalSaveFormat{
			Format:  settings.LocalSaveFormat.Format,
			Quality: settings.LocalSaveFormat.Quality,
		}
	}
	var archiver imagepipeline.Archiver = localArchiver
	images := imagepipeline.New(
		time.Duration(settings.Image.CacheTTLSec)*time.Second,
		10*time.Minute,
		int64(settings.Image.DownloadConcurrency),
		func() imagepipeline.Config { return imageConfigFrom(store.GetConfig()) },
		uploader, downloader, archiver, log,
	)

	translate := translator.New(images)

	verifier := lifecycle.NewVerificationFSM(
		time.Duration(settings.VerificationCooldownSec)*time.Second,
		time.Duration(settings.VerificationSkewSec)*time.Second,
		hub, log,
	)
	queue := lifecycle.NewPendingRequestQueue()
	capture := lifecycle.NewCaptureState()

	reassigner := lifecycle.NewReassigner(
		registry, broker, translate, settings.MaxRequestTransfers,
		func() bool { return store.GetConfig().AutoRetryEnabled },
		log,
	)
	hub.SetReassigner(reassigner.ReassignPending)
	hub.SetOnConnect(func() {
		verifier.OnTabConnected()
		reassigner.RecoverOrphaned(context.Background())
		queue.ResolveAll(nil)
	})

	var watchdog *lifecycle.IdleRestartWatchdog
	if settings.IdleRestartEnabled {
		watchdog = lifecycle.NewIdleRestartWatchdog(
			time.Duration(settings.IdleRestartThresholdSec)*time.Second,
			restartProcess,
			log,
		)
	}

	sweeper := lifecycle.NewStaleSweeper(
		time.Duration(settings.ActiveRequestTimeoutSec)*time.Second,
		60*time.Second,
		func(olderThan time.Time) int {
			reaped := 0
			for _, pending := range broker.All() {
				if pending.CreatedAt.Before(olderThan) {
					// PushTerminal releases the owning tab's counter
					// through the broker's close path.
					broker.PushTerminal(pending.RequestID, "request exceeded the active-request timeout")
					reaped++
				}
			}
			return reaped
		},
		log,
	)

	connector := directupstream.New(log)
	tokenizer := responder.NewTiktokenCounter(store.GetTokenizer, log)
	respond := responder.New(tokenizer, log)

	oaiHandler := handlers.New(store, registry, broker, hub, translate, images, verifier, queue, watchdog, capture, connector, respond, obs, log)

	httpServer := gatewayhttp.NewServer(
		gatewayhttp.Config{Host: "0.0.0.0", Port: settings.HTTPPort, Mode: "debug"},
		oaiHandler, hub, monitor, obs, log,
	)

	return &app{
		httpServer: httpServer,
		store:      store,
		queue:      queue,
		sweeper:    sweeper,
		watchdog:   watchdog,
		db:         db,
		hub:        hub,
		registry:   registry,
		monitor:    monitor,
		logger:     log,
	}, nil
}

// imageConfigFrom maps the live settings snapshot onto the image
// pipeline's effective global configuration, so config hot-reloads flow
// through without rebuilding the pipeline.
func imageConfigFrom(s config.Settings) imagepipeline.Config {
	cfg := imagepipeline.Config{
		Enabled:                    s.Image.Enabled,
		MaxWidth:                   s.Image.MaxWidth,
		MaxHeight:                  s.Image.MaxHeight,
		TargetFormat:               s.Image.TargetFormat,
		TargetSizeKB:               s.Image.TargetSizeKB,
		JPEGQuality:                s.Image.JPEGQuality,
		WebPQuality:                s.Image.WebPQuality,
		MinQuality:                 s.Image.MinQuality,
		PlaceholderOnDecodeFailure: s.Image.PlaceholderOnDecodeFailure,
		Filebed: imagepipeline.FilebedConfig{
			Strategy:         s.Filebed.Strategy,
			RecoveryInterval: time.Duration(s.Filebed.RecoveryIntervalSec) * time.Second,
			Endpoints:        s.Filebed.Endpoints,
		},
	}
	if s.LocalSaveFormat != nil {
		cfg.Local = &imagepipeline.LocalSaveFormat{
			Format:  s.LocalSaveFormat.Format,
			Quality: s.LocalSaveFormat.Quality,
		}
	}
	return cfg
}

func (a *app) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.cancelBG = cancel

	safego.Go(a.logger, "stale-sweeper", func() { a.sweeper.Run(bgCtx) })
	if a.watchdog != nil {
		safego.Go(a.logger, "idle-watchdog", func() { a.watchdog.Run(bgCtx) })
	}
	safego.Go(a.logger, "metrics-collector", func() { a.collectGauges(bgCtx) })

	return a.httpServer.Start(ctx)
}

// collectGauges samples the tab/session gauges and metric history on a
// fixed cadence for the dashboard.
func (a *app) collectGauges(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.monitor.SetActiveTabs(int64(a.hub.ActiveTabCount()))
			a.monitor.SetActiveSessions(int64(a.registry.InFlightTotal()))
			a.monitor.Snapshot()
		}
	}
}

func (a *app) Stop(ctx context.Context) error {
	if a.cancelBG != nil {
		a.cancelBG()
	}
	a.queue.ResolveAll(fmt.Errorf("gateway shutting down"))
	a.store.Stop()
	return a.httpServer.Stop(ctx)
}

// restartProcess replaces the running process image with a fresh copy
// of itself, same arguments and environment, per the idle-restart
// watchdog's contract.
func restartProcess() {
	exe, err := os.Executable()
	if err != nil {
		return
	}
	_ = syscall.Exec(exe, os.Args, os.Environ())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Printf(`%s v%s

Usage:
  gateway           Start the gateway server (default)
  gateway version   Show version
  gateway help      Show this help

Environment:
  GATEWAY_STATE_DIR   Directory holding config.jsonc, model_endpoint_map.json,
                      models.json, logs/, and downloaded_images/ (default: .)
  GATEWAY_LOG_LEVEL   debug, info, warn, error (default: info)
  GATEWAY_LOG_FORMAT  json or console (default: json)
  GATEWAY_LOG_PATH    stdout, stderr, or a file path (default: stdout)
`, appName, appVersion)
}
