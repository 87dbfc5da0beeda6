package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	HealthAddr  string `mapstructure:"health_addr"`
	DefaultRoom string `mapstructure:"default_room"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	MaxConns int    `mapstructure:"max_conns"`
}

type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxMessages int           `mapstructure:"max_messages"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

type PresenceConfig struct {
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type PersistConfig struct {
	DrainInterval time.Duration `mapstructure:"drain_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	SubBatchSize  int           `mapstructure:"sub_batch_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load 从指定路径加载配置
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults 所有可调参数的默认值
func setDefaults() {
	viper.SetDefault("server.addr", ":1235")
	viper.SetDefault("server.health_addr", ":8080")
	viper.SetDefault("server.default_room", "general")

	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.max_conns", 10)

	viper.SetDefault("rate_limit.window", time.Second)
	viper.SetDefault("rate_limit.max_messages", 5)
	viper.SetDefault("rate_limit.cooldown", 5*time.Second)

	viper.SetDefault("presence.stale_timeout", 30*time.Second)
	viper.SetDefault("presence.sweep_interval", 15*time.Second)

	viper.SetDefault("persist.drain_interval", 10*time.Second)
	viper.SetDefault("persist.batch_size", 100)
	viper.SetDefault("persist.sub_batch_size", 20)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
