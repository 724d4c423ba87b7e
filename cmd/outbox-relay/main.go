// Command outbox-relay 运行发件箱中继：轮询 outbox_events，发布到 broker 并推进状态。
//
// 多实例部署时开启 outbox.lock.enabled，由 Redis 锁保证同一时刻只有一个实例轮询。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/database"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/eventbus"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox/adapters"
	outboxgorm "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox/adapters/gorm"
	outboxredis "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox/adapters/redis"
)

type options struct {
	configFile  string
	metricsAddr string
	once        bool
	migrate     bool
}

func main() {
	flags := pflag.NewFlagSet("outbox-relay", pflag.ExitOnError)
	var opts options
	flags.StringVarP(&opts.configFile, "config", "c", "config/settings.yml", "配置文件路径")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", ":9100", "Prometheus 指标监听地址，为空则不暴露")
	flags.BoolVar(&opts.once, "once", false, "只执行一轮中继后退出")
	flags.BoolVar(&opts.migrate, "migrate", false, "启动前执行 outbox_events 表的 AutoMigrate")
	flags.Duration("poll-interval", 0, "覆盖 outbox.pollInterval")
	flags.Int("batch-size", 0, "覆盖 outbox.batchSize")
	flags.String("eventbus-type", "", "覆盖 eventBus.type (kafka|nats|memory)")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetConfigFile(opts.configFile)
	for key, flag := range map[string]string{
		"outbox.pollInterval": "poll-interval",
		"outbox.batchSize":    "batch-size",
		"eventBus.type":       "eventbus-type",
	} {
		if flags.Changed(flag) {
			_ = v.BindPFlag(key, flags.Lookup(flag))
		}
	}

	if err := config.Load(v, config.AppConfig); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger.Setup(config.AppConfig.Logger)
	defer func() { _ = logger.Logger.Sync() }()

	if err := run(opts, config.AppConfig); err != nil {
		logger.Logger.Error("outbox relay exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(opts options, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Logger.Named("outbox-relay")

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	if opts.migrate || cfg.Database.AutoMigrate {
		if err := outboxgorm.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate outbox_events: %w", err)
		}
	}

	bus, err := eventbus.NewEventBus(cfg.EventBus, log)
	if err != nil {
		return fmt.Errorf("create eventbus: %w", err)
	}
	defer func() { _ = bus.Close() }()

	schedulerOpts := []outbox.SchedulerOption{
		outbox.WithRepository(outboxgorm.NewGormOutboxRepository(db)),
		outbox.WithEventPublisher(adapters.NewEventBusAdapter(bus)),
		outbox.WithConfig(cfg.Outbox),
		outbox.WithMetricsCollector(outbox.NewPrometheusMetricsCollector("eventcore", nil)),
		outbox.WithLogger(log),
	}
	if cfg.Outbox.Lock.Enabled {
		client, err := database.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		schedulerOpts = append(schedulerOpts, outbox.WithLocker(outboxredis.NewLocker(client)))
	}
	scheduler := outbox.NewScheduler(schedulerOpts...)

	if opts.once {
		// 与常驻模式共用锁，锁被其他实例持有时本次不发布
		result, err := scheduler.Poll(ctx)
		if errors.Is(err, outbox.ErrLockNotObtained) {
			log.Info("relay lock held by another instance, skipping round")
			return nil
		}
		log.Info("relay round finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("published", result.Published),
			zap.Int("retried", result.Retried),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped))
		return err
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var srv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := bus.HealthCheck(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics endpoint listening", zap.String("addr", opts.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(shutdownCtx)
		}
		return scheduler.Stop(shutdownCtx)
	})

	log.Info("outbox relay running", zap.String("eventbus", cfg.EventBus.Type))
	return g.Wait()
}
