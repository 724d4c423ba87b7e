// Command eventcore-cleanup 一次性清理：删除超过保留期的已发布发件箱事件和已处理记录。
// 适合放在 CronJob 中执行，应用进程内不必再跑清理任务。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/database"
	jxtevent "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/domain/event"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox"
	inboxgorm "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/inbox/adapters/gorm"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox"
	outboxgorm "github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/outbox/adapters/gorm"
)

func main() {
	flags := pflag.NewFlagSet("eventcore-cleanup", pflag.ExitOnError)
	configFile := flags.StringP("config", "c", "config/settings.yml", "配置文件路径")
	skipOutbox := flags.Bool("skip-outbox", false, "不清理 outbox_events")
	skipInbox := flags.Bool("skip-inbox", false, "不清理 processed_events")
	flags.Duration("outbox-retention", 0, "覆盖 outbox.retention")
	flags.Duration("inbox-retention", 0, "覆盖 inbox.retention")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetConfigFile(*configFile)
	if flags.Changed("outbox-retention") {
		_ = v.BindPFlag("outbox.retention", flags.Lookup("outbox-retention"))
	}
	if flags.Changed("inbox-retention") {
		_ = v.BindPFlag("inbox.retention", flags.Lookup("inbox-retention"))
	}

	if err := config.Load(v, config.AppConfig); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	logger.Setup(config.AppConfig.Logger)
	defer func() { _ = logger.Logger.Sync() }()

	if err := run(config.AppConfig, !*skipOutbox, !*skipInbox); err != nil {
		logger.Logger.Error("cleanup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, cleanOutbox, cleanInbox bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Logger.Named("eventcore-cleanup")

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	if cleanOutbox {
		// 只用到仓储和清理参数，发布器不会被调用
		scheduler := outbox.NewScheduler(
			outbox.WithRepository(outboxgorm.NewGormOutboxRepository(db)),
			outbox.WithEventPublisher(outbox.EventPublisherFunc(func(context.Context, string, string, *jxtevent.Envelope) error {
				return fmt.Errorf("publishing is disabled in cleanup")
			})),
			outbox.WithConfig(cfg.Outbox),
			outbox.WithLogger(log),
		)
		deleted, err := scheduler.Cleanup(ctx)
		if err != nil {
			return err
		}
		log.Info("outbox cleanup done", zap.Int64("deleted", deleted), zap.Duration("retention", cfg.Outbox.Retention))
	}

	if cleanInbox {
		if cfg.Inbox.Backend != config.InboxBackendGorm {
			log.Info("inbox backend expires records itself, skipping", zap.String("backend", cfg.Inbox.Backend))
			return nil
		}
		deleted, err := inbox.NewCleaner(inboxgorm.NewStore(db), cfg.Inbox, log).RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("inbox cleanup done", zap.Int64("deleted", deleted), zap.Duration("retention", cfg.Inbox.Retention))
	}
	return nil
}
