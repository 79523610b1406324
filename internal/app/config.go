package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// StorageDriverMemory хранит заказы в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит заказы в PostgreSQL.
	StorageDriverPostgres = "postgres"
)

const envPrefix = "ORDER_SERVER_"

// Config описывает настройки запуска сервера заказов.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int

	KafkaBrokers  []string
	KafkaClientID string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxRetention: срок хранения обработанных сообщений; 0 отключает очистку.
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration

	// CatalogFile: YAML с продуктами, которые загружаются при старте.
	CatalogFile string
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		GRPCAddr:            ":50051",
		MetricsAddr:         ":9090",
		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,
		KafkaClientID:       "possync-order-server",
		OutboxPollInterval:  time.Second,
		OutboxBatchSize:     100,
		OutboxMaxAttempts:   3,
		OutboxRetryDelay:    100 * time.Millisecond,

		OutboxRetention:       24 * time.Hour,
		OutboxCleanupInterval: 10 * time.Minute,
	}
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("%sPOSTGRES_DSN is required for storage driver %q", envPrefix, StorageDriverPostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("grpc address is required"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be positive"))
	}
	if c.OutboxRetention < 0 {
		errs = append(errs, errors.New("outbox retention must be non-negative"))
	}
	return errors.Join(errs...)
}

// ApplyEnv переопределяет поля значениями переменных ORDER_SERVER_*.
func ApplyEnv(cfg Config, getenv func(string) string) (Config, error) {
	env := func(name string) string {
		return strings.TrimSpace(getenv(envPrefix + name))
	}

	if v := env("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := env("GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := env("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := env("STORAGE_DRIVER"); v != "" {
		cfg.StorageDriver = strings.ToLower(v)
	}
	if v := env("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := env("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := env("KAFKA_CLIENT_ID"); v != "" {
		cfg.KafkaClientID = v
	}
	if v := env("CATALOG_FILE"); v != "" {
		cfg.CatalogFile = v
	}

	var errs []error
	if v := env("POSTGRES_AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPOSTGRES_AUTO_MIGRATE: %w", envPrefix, err))
		}
		cfg.PostgresAutoMigrate = b
	}
	parseDuration(env("OUTBOX_POLL_INTERVAL"), "OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval, &errs)
	parseDuration(env("OUTBOX_RETRY_DELAY"), "OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay, &errs)
	parseDuration(env("OUTBOX_RETENTION"), "OUTBOX_RETENTION", &cfg.OutboxRetention, &errs)
	parseDuration(env("OUTBOX_CLEANUP_INTERVAL"), "OUTBOX_CLEANUP_INTERVAL", &cfg.OutboxCleanupInterval, &errs)
	parseInt(env("POSTGRES_MAX_CONNS"), "POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns, &errs)
	parseInt(env("OUTBOX_BATCH_SIZE"), "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, &errs)
	parseInt(env("OUTBOX_MAX_ATTEMPTS"), "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, &errs)

	return cfg, errors.Join(errs...)
}

func parseDuration(raw, name string, dst *time.Duration, errs *[]error) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = d
}

func parseInt(raw, name string, dst *int, errs *[]error) {
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return
	}
	*dst = n
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
