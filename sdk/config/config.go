package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 顶层配置结构
type Config struct {
	Application *Application    `mapstructure:"application"`
	Logger      *Logger         `mapstructure:"logger"`
	Database    *Database       `mapstructure:"database"`
	Redis       *Redis          `mapstructure:"redis"`
	EventBus    *EventBusConfig `mapstructure:"eventBus"`
	Outbox      *Outbox         `mapstructure:"outbox"`
	Inbox       *Inbox          `mapstructure:"inbox"`
}

// Application 应用程序配置
type Application struct {
	Name string `mapstructure:"name" json:"name"`
	Mode string `mapstructure:"mode" json:"mode"` // dev, test, prod
}

var (
	ApplicationConfig = new(Application)
	EventBusSettings  = new(EventBusConfig)
	OutboxConfig      = new(Outbox)
	InboxConfig       = new(Inbox)
)

var AppConfig = &Config{
	Application: ApplicationConfig,
	Logger:      LoggerConfig,
	Database:    DatabaseConfig,
	Redis:       RedisConfig,
	EventBus:    EventBusSettings,
	Outbox:      OutboxConfig,
	Inbox:       InboxConfig,
}

// Setup 读取配置文件并填充全局 AppConfig
func Setup(configYml string) error {
	v := viper.New()
	v.SetConfigFile(configYml)
	return Load(v, AppConfig)
}

// Load 从已准备好的 viper 实例解析配置（cmd 会先绑定命令行参数）
func Load(v *viper.Viper, cfg *Config) error {
	v.SetEnvPrefix("EVENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.SetDefaults()
	return cfg.Validate()
}

// SetDefaults 为所有配置段填充默认值
func (c *Config) SetDefaults() {
	if c.Application == nil {
		c.Application = new(Application)
	}
	if c.Logger == nil {
		c.Logger = new(Logger)
	}
	if c.Database == nil {
		c.Database = new(Database)
	}
	if c.Redis == nil {
		c.Redis = new(Redis)
	}
	if c.EventBus == nil {
		c.EventBus = new(EventBusConfig)
	}
	if c.Outbox == nil {
		c.Outbox = new(Outbox)
	}
	if c.Inbox == nil {
		c.Inbox = new(Inbox)
	}

	if c.EventBus.ServiceName == "" {
		c.EventBus.ServiceName = c.Application.Name
	}

	c.Logger.SetDefaults()
	c.Database.SetDefaults()
	c.EventBus.SetDefaults()
	c.Outbox.SetDefaults()
	c.Inbox.SetDefaults()
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := c.EventBus.Validate(); err != nil {
		return fmt.Errorf("eventBus: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Outbox.Validate(); err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	if err := c.Inbox.Validate(); err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	if c.Inbox.Backend == InboxBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("inbox: redis backend requires redis.addr")
	}
	if c.Outbox.Lock.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("outbox: relay lock requires redis.addr")
	}
	return nil
}
