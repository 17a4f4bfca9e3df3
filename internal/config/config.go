package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`

	ShopTimezone      string        `envconfig:"SHOP_TIMEZONE" default:"Asia/Jakarta"`
	LowStockThreshold int64         `envconfig:"LOW_STOCK_THRESHOLD" default:"10"`
	ReportCacheTTL    time.Duration `envconfig:"REPORT_CACHE_TTL" default:"5m"`

	KafkaBrokers        []string `envconfig:"KAFKA_BROKERS"`
	KafkaTelemetryTopic string   `envconfig:"KAFKA_TELEMETRY_TOPIC" default:"tokokas-telemetry"`
	JaegerEndpoint      string   `envconfig:"JAEGER_ENDPOINT"`

	SnapshotCron     string `envconfig:"SNAPSHOT_CRON" default:"15 0 * * *"`
	SnapshotDaysBack int    `envconfig:"SNAPSHOT_DAYS_BACK" default:"1"`
}

// Load reads an optional .env file and then the process environment.
// Secret strength is checked by the binaries, not here.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.LowStockThreshold < 0 {
		cfg.LowStockThreshold = 0
	}
	if cfg.SnapshotDaysBack < 0 {
		cfg.SnapshotDaysBack = 0
	}
	if cfg.ReportCacheTTL <= 0 {
		cfg.ReportCacheTTL = 5 * time.Minute
	}

	brokers := cfg.KafkaBrokers[:0]
	for _, b := range cfg.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	cfg.KafkaBrokers = brokers
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Location resolves the shop time zone, falling back to UTC when the name is
// unknown to the tz database.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ShopTimezone)
	if err != nil || c.ShopTimezone == "" {
		return time.UTC
	}
	return loc
}
