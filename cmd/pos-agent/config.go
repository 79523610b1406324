package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	storeDriverSQLite = "sqlite"
	storeDriverMemory = "memory"

	envPrefix = "POSSYNC_"
)

// Config: настройки агента кассы. Значения по умолчанию перекрываются YAML-файлом,
// а затем переменными POSSYNC_*.
type Config struct {
	RestaurantID string `yaml:"restaurant_id"`
	ServerURL    string `yaml:"server_url"`
	// HealthTarget: адрес gRPC health сервера (host:port).
	HealthTarget  string `yaml:"health_target"`
	HealthService string `yaml:"health_service"`
	HTTPAddr      string `yaml:"http_addr"`
	LogLevel      string `yaml:"log_level"`

	Store StoreConfig `yaml:"store"`
	Sync  SyncConfig  `yaml:"sync"`
	Probe ProbeConfig `yaml:"probe"`
}

// StoreConfig: локальное хранилище очереди.
type StoreConfig struct {
	Driver  string        `yaml:"driver"`
	Path    string        `yaml:"path"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// SyncConfig: параметры синхронизации.
type SyncConfig struct {
	Debounce           time.Duration `yaml:"debounce"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	Pause              time.Duration `yaml:"pause"`
	ErrorAfterAttempts int           `yaml:"error_after_attempts"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// ProbeConfig: опрос доступности сервера.
type ProbeConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig возвращает настройки для кассы рядом с локальным сервером.
func DefaultConfig() Config {
	return Config{
		ServerURL:     "http://localhost:8080",
		HealthTarget:  "localhost:50051",
		HealthService: "possync.OrderServer",
		HTTPAddr:      ":9100",
		LogLevel:      "info",
		Store: StoreConfig{
			Driver:  storeDriverSQLite,
			Path:    "possync.db",
			LockTTL: 2 * time.Minute,
		},
		Sync: SyncConfig{
			Debounce:           2 * time.Second,
			RetryInterval:      30 * time.Second,
			Pause:              200 * time.Millisecond,
			ErrorAfterAttempts: 5,
			RequestTimeout:     10 * time.Second,
		},
		Probe: ProbeConfig{
			Interval: 5 * time.Second,
			Timeout:  2 * time.Second,
		},
	}
}

// loadConfig читает YAML (если path не пуст) поверх значений по умолчанию и применяет env.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"RESTAURANT_ID":  &cfg.RestaurantID,
		"SERVER_URL":     &cfg.ServerURL,
		"HEALTH_TARGET":  &cfg.HealthTarget,
		"HEALTH_SERVICE": &cfg.HealthService,
		"HTTP_ADDR":      &cfg.HTTPAddr,
		"LOG_LEVEL":      &cfg.LogLevel,
		"STORE_DRIVER":   &cfg.Store.Driver,
		"STORE_PATH":     &cfg.Store.Path,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"LOCK_TTL":       &cfg.Store.LockTTL,
		"SYNC_DEBOUNCE":  &cfg.Sync.Debounce,
		"RETRY_INTERVAL": &cfg.Sync.RetryInterval,
		"PROBE_INTERVAL": &cfg.Probe.Interval,
	}
	var errs []error
	for name, dst := range durations {
		raw := strings.TrimSpace(getenv(envPrefix + name))
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
			continue
		}
		*dst = d
	}
	return errors.Join(errs...)
}

// Validate проверяет обязательные поля.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RestaurantID) == "" {
		errs = append(errs, errors.New("restaurant_id is required"))
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		errs = append(errs, errors.New("server_url is required"))
	}
	switch c.Store.Driver {
	case storeDriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case storeDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver %q", c.Store.Driver))
	}
	if c.Store.LockTTL < 0 {
		errs = append(errs, errors.New("store.lock_ttl must not be negative"))
	}
	if c.Sync.ErrorAfterAttempts < 0 {
		errs = append(errs, errors.New("sync.error_after_attempts must not be negative"))
	}
	return errors.Join(errs...)
}
