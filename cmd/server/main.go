package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/micro-ha/audiconnect/addon/internal/adapters/ha"
	"github.com/micro-ha/audiconnect/addon/internal/config"
	"github.com/micro-ha/audiconnect/addon/internal/configsync"
	httpapi "github.com/micro-ha/audiconnect/addon/internal/http"
	"github.com/micro-ha/audiconnect/addon/internal/http/handlers"
	"github.com/micro-ha/audiconnect/addon/internal/logging"
	"github.com/micro-ha/audiconnect/addon/internal/metrics"
	"github.com/micro-ha/audiconnect/addon/internal/mqttpub"
	"github.com/micro-ha/audiconnect/addon/internal/service"
	"github.com/micro-ha/audiconnect/addon/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DBDir(), 0o755); err != nil {
		logger.Error("failed to create db directory", "err", err)
		os.Exit(1)
	}
	repo, err := storage.New(ctx, cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	cfgManager := configsync.NewManager(configsync.NewOptionsLoader(cfg.AddonOptionsPath), logger)
	if _, err := cfgManager.Refresh(ctx); err != nil {
		logger.Warn("initial options load failed", "err", err)
	}
	options, _ := cfgManager.Get()

	m := metrics.New()
	svcOpts := []service.Option{
		service.WithStore(repo),
		service.WithLogger(logger),
		service.WithSettings(service.Settings{
			PollInterval: cfg.PollInterval,
			PollAttempts: cfg.PollAttempts,
			Jitter:       service.DefaultSettings().Jitter,
		}),
		service.WithSubscriber(m.ObserveEvent),
		service.WithActionObserver(m.ObserveAction),
	}

	if cfg.HAToken != "" {
		notifier := configsync.NewNotifier(cfg.HAURL, cfg.HAToken, logger)
		go notifier.Run(ctx)
		svcOpts = append(svcOpts,
			service.WithSubscriber(notifier.NotifyRefresh),
			service.WithActionObserver(notifier.NotifyAction),
		)
	}

	// the mqtt connection outlives ctx so vehicles can be marked offline on shutdown
	mqttCtx, mqttCancel := context.WithCancel(context.Background())
	defer mqttCancel()
	var mqttClient *mqttpub.Client
	var publisher *mqttpub.Publisher
	if options.MQTT.Enabled() {
		mqttClient, err = mqttpub.NewClient(options.MQTT, logger)
		if err == nil {
			err = mqttClient.Start(mqttCtx)
		}
		if err != nil {
			logger.Error("mqtt publisher disabled", "err", err)
			mqttClient = nil
		} else {
			publisher = mqttpub.NewPublisher(mqttClient, options.MQTT.TopicPrefix, logger)
			go publisher.Run(ctx)
			svcOpts = append(svcOpts, service.WithSubscriber(publisher.Handle))
		}
	}

	factory := service.NewClientFactory(service.ClientOptions{
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.VendorRateLimit,
		Tokens:    repo,
		RenewHook: m.RenewHook,
		Logger:    logger,
	})
	svc := service.New(ha.NewManagerAdapter(cfgManager), factory, svcOpts...)
	if err := svc.Start(ctx); err != nil {
		logger.Error("account setup incomplete", "err", err)
	}
	defer svc.Stop()

	go runOptionsFallbackRefresh(ctx, svc, cfg.ConfigRefreshInterval, logger)

	if cfg.HAToken != "" {
		watcher := configsync.NewWatcher(cfg.HAURL, cfg.HAToken, logger)
		go watcher.Run(ctx, svc.HandleCommand)
	} else {
		logger.Warn("SUPERVISOR_TOKEN is empty; ha event bridge disabled")
	}

	api := handlers.New(svc, m.Handler(), logger)
	httpServer := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter(api))

	logger.Info("server starting", "addr", httpServer.Addr)
	if err := httpapi.RunServer(ctx, httpServer, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated with error", "err", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if publisher != nil {
		publisher.Offline(shutdownCtx)
	}
	if mqttClient != nil {
		mqttClient.Disconnect(shutdownCtx)
	}
	logger.Info("server stopped")
}

func runOptionsFallbackRefresh(ctx context.Context, svc *service.Service, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := svc.Sync(refreshCtx)
			cancel()
			if err != nil {
				logger.Warn("periodic options refresh failed", "err", err)
			}
		}
	}
}
