package config

import "fmt"

// Database 关系型数据库配置，outbox 表与 processed_events 表都落在这个库里
type Database struct {
	Driver          string `mapstructure:"driver"` // mysql, postgres, sqlite
	Source          string `mapstructure:"source"`
	ConnMaxIdleTime int    `mapstructure:"connMaxIdleTime"` // 秒
	ConnMaxLifeTime int    `mapstructure:"connMaxLifeTime"` // 秒
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	AutoMigrate     bool   `mapstructure:"autoMigrate"`
}

// Redis Redis配置
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
}

var (
	DatabaseConfig = new(Database)
	RedisConfig    = new(Redis)
)

func (d *Database) SetDefaults() {
	if d.Driver == "" {
		d.Driver = "mysql"
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = 10
	}
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = 50
	}
}

func (d *Database) Validate() error {
	switch d.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", d.Driver)
	}
	return nil
}
