package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	Secret     string `mapstructure:"secret"`
	Origin     string `mapstructure:"origin"`

	Slots int `mapstructure:"slots"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RelayURL      string `mapstructure:"relay_url"`

	HeartbeatMobile  time.Duration `mapstructure:"heartbeat_mobile"`
	HeartbeatDefault time.Duration `mapstructure:"heartbeat_default"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	MaxRetries       int           `mapstructure:"max_retries"`
	FlushSpacing     time.Duration `mapstructure:"flush_spacing"`
	StalenessWindow  time.Duration `mapstructure:"staleness_window"`
	StormThreshold   uint64        `mapstructure:"storm_threshold"`
	StorePoll        time.Duration `mapstructure:"store_poll"`

	WatchdogPoll   time.Duration `mapstructure:"watchdog_poll"`
	StallThreshold int           `mapstructure:"stall_threshold"`

	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("origin", "http://localhost:8080")
	v.SetDefault("slots", 4)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("relay_url", "")
	v.SetDefault("heartbeat_mobile", "5s")
	v.SetDefault("heartbeat_default", "30s")
	v.SetDefault("retry_base", "2s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("flush_spacing", "10ms")
	v.SetDefault("staleness_window", "30s")
	v.SetDefault("storm_threshold", 50)
	v.SetDefault("store_poll", "1s")
	v.SetDefault("watchdog_poll", "2s")
	v.SetDefault("stall_threshold", 3)
	v.SetDefault("token_ttl", "24h")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Slots: %d\n", cfg.Mode, cfg.Port, cfg.Slots)
	return &cfg, nil
}
