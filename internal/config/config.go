package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusKafka  = "kafka"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL          string
	ServerAddr           string
	StoreDriver          string
	BusDriver            string
	MigrationsDir        string // empty uses the embedded migrations
	LogLevel             string
	Kafka                KafkaConfig
	PublishTimeout       time.Duration
	NotifyDisplayTimeout time.Duration
	Arbitrators          []string
}

// KafkaConfig holds event bus settings for the kafka driver.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Load reads configuration from environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "escrow")
		pass := getenv("POSTGRES_PASSWORD", "escrow_pass")
		db := getenv("POSTGRES_DB", "escrow")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		DatabaseURL:   dsn,
		ServerAddr:    getenv("SERVER_ADDR", "0.0.0.0:8080"),
		StoreDriver:   strings.ToLower(getenv("STORE_DRIVER", StorePostgres)),
		BusDriver:     strings.ToLower(getenv("BUS_DRIVER", BusMemory)),
		MigrationsDir: os.Getenv("MIGRATIONS_DIR"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Kafka: KafkaConfig{
			Brokers: splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getenv("KAFKA_TOPIC", "trade.events"),
			GroupID: getenv("KAFKA_GROUP_ID", "trade-engine"),
		},
		PublishTimeout:       parseDuration(getenv("PUBLISH_TIMEOUT", "5s"), 5*time.Second),
		NotifyDisplayTimeout: parseDuration(getenv("NOTIFY_DISPLAY_TIMEOUT", "10s"), 10*time.Second),
		Arbitrators:          splitCSV(os.Getenv("ARBITRATORS")),
	}

	switch cfg.StoreDriver {
	case StoreMemory, StorePostgres:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.BusDriver {
	case BusMemory, BusKafka:
	default:
		return nil, fmt.Errorf("unknown BUS_DRIVER %q", cfg.BusDriver)
	}
	if cfg.PublishTimeout <= 0 {
		return nil, fmt.Errorf("PUBLISH_TIMEOUT must be positive, got %s", cfg.PublishTimeout)
	}
	if cfg.BusDriver == BusKafka && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required for the kafka bus")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
