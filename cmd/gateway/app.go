package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"gateway/internal/config"
	"gateway/internal/handler"
	"gateway/internal/infrastructure/cache"
	"gateway/internal/infrastructure/database"
	"gateway/internal/infrastructure/lock"
	"gateway/internal/infrastructure/mq"
	"gateway/internal/job"
	"gateway/internal/logging"
	"gateway/internal/metrics"
	"gateway/internal/model"
	"gateway/internal/provider"
	"gateway/internal/repository"
	"gateway/internal/service"
	"gateway/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"
)

// app 进程内共享的组件
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	ledger     *repository.TransactionRepository
	anomalies  *repository.AnomalyRepository
	outbox     *repository.OutboxRepository
	providers  *provider.Registry
	engine     *service.DispatchEngine
	reconciler *service.Reconciler
	query      *service.TransactionService
	sweeper    *job.ReconcileSweeperJob
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	providers, err := provider.BuildRegistry(cfg.Providers, log, m)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		registry:  reg,
		metrics:   m,
		ledger:    repository.NewTransactionRepository(db),
		anomalies: repository.NewAnomalyRepository(db),
		outbox:    repository.NewOutboxRepository(db),
		providers: providers,
	}

	if cfg.Redis.Enabled {
		a.redis, err = cache.NewRedis(cfg.Redis, log)
		if err != nil {
			return nil, err
		}
	}

	events := service.NewEventBuilder(cfg.Events.Topic)
	a.engine = service.NewDispatchEngine(a.ledger, a.anomalies, providers, events, cfg.Dispatch, log, m)
	a.reconciler = service.NewReconciler(a.ledger, a.anomalies, providers, events, cfg.Reconcile, cfg.Dispatch.ProviderTimeout, log, m)
	a.query = service.NewTransactionService(a.ledger, a.anomalies)
	a.sweeper = job.NewReconcileSweeperJob(a.reconciler, a.sweepLocker(), cfg.Reconcile.Interval, log)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// sweepLocker 未启用 Redis 时返回 nil，单副本运行
//
// 返回值必须是接口类型的 nil，不能是 (*lock.DistributedLock)(nil)
func (a *app) sweepLocker() job.Locker {
	if a.redis == nil {
		return nil
	}
	host, _ := os.Hostname()
	return lock.NewSweepLock(a.redis, fmt.Sprintf("%s:%d", host, os.Getpid()), a.cfg.Reconcile.LockTTL)
}

func (a *app) newProducer() (mq.Producer, error) {
	switch a.cfg.Events.Driver {
	case "kafka":
		return mq.NewKafkaProducer(a.cfg.Events.Brokers, a.log)
	case "nats":
		return mq.NewNATSProducer(a.cfg.Events.NATSURL, a.cfg.Events.Topic, a.log)
	default:
		return mq.NewLogProducer(a.log), nil
	}
}

func (a *app) newRouter() http.Handler {
	secrets := make(map[model.Provider]string)
	for name, pc := range a.cfg.Providers {
		if p, ok := model.ParseProvider(name); ok && pc.Enabled && pc.WebhookSecret != "" {
			secrets[p] = pc.WebhookSecret
		}
	}
	h := handler.NewHandler(a.engine, a.reconciler, a.query, a.sweeper, secrets, a.log)
	return handler.SetupRouter(h, a.cfg.Server.Mode, a.log, a.metrics, a.registry)
}

func (a *app) migrate(ctx context.Context) error {
	if err := database.Migrate(a.db.WithContext(ctx)); err != nil {
		return err
	}
	a.log.Info("数据库迁移完成")
	return nil
}
