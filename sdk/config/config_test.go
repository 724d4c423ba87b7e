package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/viper"
)

const sampleYml = `
application:
  name: order-service
  mode: dev
logger:
  path: /tmp/eventcore-logs
  level: debug
database:
  driver: sqlite
  source: "file::memory:"
eventBus:
  type: memory
  subscriber:
    commitMode: auto
    errorHandling:
      maxRetryAttempts: 3
      retryBackoffBase: 50ms
outbox:
  pollInterval: 250ms
  cleanupSpec: "@every 1h"
  topics:
    order: orders.events
inbox:
  backend: memory
  retention: 48h
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "settings.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("加载 YAML 配置", t, func() {
		v := viper.New()
		v.SetConfigFile(writeConfig(t, sampleYml))
		cfg := &Config{}

		err := Load(v, cfg)
		So(err, ShouldBeNil)

		Convey("显式配置生效", func() {
			So(cfg.Application.Name, ShouldEqual, "order-service")
			So(cfg.Logger.Level, ShouldEqual, "debug")
			So(cfg.Database.Driver, ShouldEqual, "sqlite")
			So(cfg.EventBus.Subscriber.CommitMode, ShouldEqual, CommitModeAuto)
			So(cfg.EventBus.Subscriber.ErrorHandling.MaxRetryAttempts, ShouldEqual, 3)
			So(cfg.EventBus.Subscriber.ErrorHandling.RetryBackoffBase, ShouldEqual, 50*time.Millisecond)
			So(cfg.Outbox.PollInterval, ShouldEqual, 250*time.Millisecond)
			So(cfg.Outbox.Topics["order"], ShouldEqual, "orders.events")
			So(cfg.Inbox.Retention, ShouldEqual, 48*time.Hour)
		})

		Convey("服务名缺省取应用名", func() {
			So(cfg.EventBus.ServiceName, ShouldEqual, "order-service")
		})

		Convey("未配置项使用默认值", func() {
			So(cfg.Outbox.BatchSize, ShouldEqual, 100)
			So(cfg.Outbox.MaxRetries, ShouldEqual, 5)
			So(cfg.Inbox.CleanupBatch, ShouldEqual, 1000)
			So(cfg.Logger.MaxSize, ShouldEqual, 50)
		})
	})

	Convey("非法配置", t, func() {
		Convey("redis 幂等后端缺少地址", func() {
			v := viper.New()
			v.SetConfigFile(writeConfig(t, "eventBus:\n  type: memory\n  serviceName: a\ninbox:\n  backend: redis\n"))
			err := Load(v, &Config{})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "redis.addr")
		})

		Convey("未知数据库驱动", func() {
			v := viper.New()
			v.SetConfigFile(writeConfig(t, "eventBus:\n  type: memory\n  serviceName: a\ndatabase:\n  driver: oracle\n"))
			err := Load(v, &Config{})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "unsupported database driver")
		})

		Convey("配置文件不存在", func() {
			v := viper.New()
			v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yml"))
			So(Load(v, &Config{}), ShouldNotBeNil)
		})
	})
}

func TestLoad_ShippedSettings(t *testing.T) {
	Convey("仓库自带的 config/settings.yml 可以加载", t, func() {
		v := viper.New()
		v.SetConfigFile(filepath.Join("..", "..", "config", "settings.yml"))
		cfg := &Config{}

		So(Load(v, cfg), ShouldBeNil)
		So(cfg.EventBus.Type, ShouldEqual, "kafka")
		So(cfg.EventBus.Subscriber.CommitMode, ShouldEqual, CommitModeManual)
		So(cfg.EventBus.NATS.JetStream.AckWait, ShouldEqual, 30*time.Second)
		So(cfg.Outbox.TopicPrefix, ShouldEqual, "domain")
		So(cfg.Inbox.Retention, ShouldEqual, 336*time.Hour)
	})
}
