package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"longevity-sync/internal/config"
	httpapi "longevity-sync/internal/http"
	syncmqtt "longevity-sync/internal/mqtt"
	"longevity-sync/internal/provider"
	"longevity-sync/internal/repository"
	"longevity-sync/internal/reward"
	"longevity-sync/internal/scheduler"
	"longevity-sync/internal/service"
	"longevity-sync/internal/store"
	"longevity-sync/pkg/database"
	"longevity-sync/pkg/logger"
	"longevity-sync/pkg/mqtt"
	redisclient "longevity-sync/pkg/redis"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	muxprom "gitlab.com/msvechla/mux-prometheus/pkg/middleware"
	"go.uber.org/zap"
)

// backgroundSyncTimeout bounds one MQTT- or cron-triggered sync
const backgroundSyncTimeout = 2 * time.Minute

func main() {
	cfg := config.Load()

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "longevity-sync")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ====== persistence ======
	var (
		db       *sql.DB
		users    repository.UsersRepository
		conns    repository.ConnectionsRepository
		readings repository.ReadingsRepository
		contribs repository.ContributionsRepository
		writer   repository.SyncWriter
	)
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			log.Info("DB enabled for longevity-sync")
		} else {
			log.Warn("DB enabled but connection failed, falling back to memory repositories", zap.Error(err))
		}
	}
	if db != nil {
		defer database.Close(db)
		users = repository.NewPostgresUsersRepository(db)
		conns = repository.NewPostgresConnectionsRepository(db)
		readings = repository.NewPostgresReadingsRepository(db)
		contribs = repository.NewPostgresContributionsRepository(db)
		writer = repository.NewPostgresSyncWriter(db)
	} else {
		// dev mode: nothing survives a restart
		mem := repository.NewMemoryWearablesStore()
		mem.AutoCreateUsers = cfg.MemoryAutoCreateUsers
		users, conns, readings, contribs, writer = mem, mem, mem, mem, mem
	}

	// ====== providers ======
	registry := &provider.Registry{
		Oura: provider.NewOuraClient(provider.ClientConfig{
			BaseURL:           cfg.Oura.BaseURL,
			Timeout:           cfg.Oura.Timeout,
			RetryCount:        cfg.Oura.RetryCount,
			RequestsPerSecond: cfg.Oura.RequestsPerSecond,
			Burst:             cfg.Oura.Burst,
		}, log),
		GoogleFit: provider.NewGoogleFitClient(provider.ClientConfig{
			BaseURL:    cfg.Google.BaseURL,
			Timeout:    cfg.Google.Timeout,
			RetryCount: cfg.Google.RetryCount,
		}, log),
		WindowDays: cfg.Sync.WindowDays,
	}

	syncSvc := service.NewSyncService(
		users, conns, readings, contribs, writer,
		registry,
		reward.NewCalculator(cfg.Reward.Rate),
		service.SyncOptions{
			ProviderTimeout: cfg.Sync.ProviderTimeout,
			RewardInserted:  cfg.Reward.Basis == config.RewardBasisInserted,
			StatusCacheTTL:  cfg.Status.CacheTTL,
		},
		log,
	)

	// ====== redis: status cache + sync events ======
	var kv store.KV = store.NewMemoryKV()
	if cfg.Redis.Enabled {
		if rc, err := redisclient.Connect(ctx, &cfg.Redis.RedisConfig); err != nil {
			log.Warn("Redis unavailable, using in-process status cache and no sync events", zap.Error(err))
		} else {
			defer redisclient.Close(rc)
			kv = store.NewRedisKV(rc)
			syncSvc.WithEvents(service.NewRedisStreamPublisher(rc, cfg.Events.Stream, cfg.Events.StreamMax))
		}
	}
	syncSvc.WithStatusCache(kv)

	// ====== apple export archive ======
	if cfg.Archive.Bucket != "" {
		s3Client, err := service.NewS3Client(ctx, cfg.Archive.S3Config)
		if err != nil {
			log.Warn("S3 archive disabled", zap.Error(err))
		} else if archiver, err := service.NewS3Archiver(s3Client, cfg.Archive.Bucket, cfg.Archive.Prefix); err != nil {
			log.Warn("S3 archive disabled", zap.Error(err))
		} else {
			syncSvc.WithArchiver(archiver)
			log.Info("Apple export archive enabled", zap.String("bucket", cfg.Archive.Bucket))
		}
	}

	// ====== MQTT sync trigger ======
	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.NewClient(&cfg.MQTT.MQTTConfig, log)
		if err != nil {
			log.Warn("MQTT unavailable, sync trigger disabled", zap.Error(err))
		} else {
			defer mqttClient.Disconnect()
			broker := syncmqtt.NewSyncBroker(syncSvc, backgroundSyncTimeout, log)
			if err := mqttClient.Subscribe(cfg.MQTT.Topic, cfg.MQTT.QoS, broker.HandleMessage); err != nil {
				log.Warn("MQTT subscribe failed", zap.String("topic", cfg.MQTT.Topic), zap.Error(err))
			} else {
				log.Info("Subscribed to sync requests", zap.String("topic", cfg.MQTT.Topic))
			}
		}
	}

	// ====== periodic re-sync ======
	if cfg.Cron.Spec != "" {
		job := scheduler.NewSyncScheduler(syncSvc, cfg.Cron.Spec, cfg.Cron.Concurrency, backgroundSyncTimeout, log)
		if err := job.Start(); err != nil {
			log.Warn("Invalid AUTO_SYNC_CRON, scheduler disabled", zap.String("spec", cfg.Cron.Spec), zap.Error(err))
		} else {
			defer job.Stop()
		}
	}

	// ====== HTTP ======
	instrumentation := muxprom.NewCustomInstrumentation(true, "longevity", "sync", prometheus.DefBuckets, nil, prometheus.DefaultRegisterer)

	router := httpapi.NewRouter(log)
	router.Use(instrumentation.Middleware)
	router.RegisterOpsRoutes()
	router.RegisterWearableRoutes(httpapi.NewWearablesHandler(syncSvc, cfg.Sync.MaxUploadBytes, log))
	router.RegisterRewardRoutes(httpapi.NewRewardsHandler(syncSvc, log))

	srv := service.NewServer(cfg.HTTP.Addr, handlers.CompressHandler(router), service.DefaultShutdownTimeout, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("HTTP server failed", zap.Error(err))
	}
}
