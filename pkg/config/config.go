package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBName         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Scheduler struct {
		NodeID          int64         `mapstructure:"NODE_ID"`
		TickInterval    time.Duration `mapstructure:"TICK_INTERVAL"`
		HistoryPageSize int           `mapstructure:"HISTORY_PAGE_SIZE"`
		RetentionDays   int           `mapstructure:"RETENTION_DAYS"`
	} `mapstructure:"SCHEDULER"`
	Collector struct {
		WorkerPoolSize int     `mapstructure:"WORKER_POOL_SIZE"`
		RatePerSecond  float64 `mapstructure:"RATE_PER_SECOND"`
		RateBurst      int     `mapstructure:"RATE_BURST"`
	} `mapstructure:"COLLECTOR"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config file", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "8080"
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = 5 * time.Second
	}
	if cfg.Scheduler.HistoryPageSize <= 0 {
		cfg.Scheduler.HistoryPageSize = 50
	}
	if cfg.Scheduler.RetentionDays <= 0 {
		cfg.Scheduler.RetentionDays = 90
	}
	if cfg.Scheduler.NodeID <= 0 {
		cfg.Scheduler.NodeID = 1
	}
	if cfg.Collector.WorkerPoolSize <= 0 {
		cfg.Collector.WorkerPoolSize = 4
	}
	if cfg.Collector.RatePerSecond <= 0 {
		cfg.Collector.RatePerSecond = 10
	}
	if cfg.Collector.RateBurst <= 0 {
		cfg.Collector.RateBurst = 20
	}
}
