package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ChenBigdata421/jxt-eventcore/sdk/config"
	"github.com/ChenBigdata421/jxt-eventcore/sdk/pkg/logger"
)

const pingTimeout = 5 * time.Second

// Open 按驱动打开 gorm 连接并设置连接池。
// TranslateError 必须开启，幂等存储依赖 gorm.ErrDuplicatedKey 识别唯一约束冲突。
func Open(cfg *config.Database, log *zap.Logger) (*gorm.DB, error) {
	if cfg == nil || cfg.Source == "" {
		return nil, errors.New("database source is required")
	}

	dialector, err := dialectorFor(cfg.Driver, cfg.Source)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.NewGormLogger(log, config.LoggerConfig.GormLoggerLevel),
	}
	if !config.LoggerConfig.EnabledDB {
		gormCfg.Logger = gormCfg.Logger.LogMode(gormlogger.Silent)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open gorm %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve %s sql db handle: %w", cfg.Driver, err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifeTime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeTime) * time.Second)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	logger.OrGlobal(log).Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

// Close 关闭底层连接池
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(driver, source string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(source), nil
	case "postgres":
		return postgres.Open(source), nil
	case "sqlite":
		return sqlite.Open(source), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// OpenRedis 创建 Redis 客户端并 Ping
func OpenRedis(ctx context.Context, cfg *config.Redis) (*redis.Client, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
