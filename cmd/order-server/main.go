package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/possync/internal/app"
	"github.com/vladislavdragonenkov/possync/internal/version"
)

const envLogLevel = "ORDER_SERVER_LOG_LEVEL"

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(getenv func(string) string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level := log.InfoLevel
	if raw := strings.TrimSpace(getenv(envLogLevel)); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.WithError(err).Warnf("invalid %s, using info", envLogLevel)
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
}

// readConfig формирует конфигурацию из значений по умолчанию и переменных ORDER_SERVER_*.
func readConfig(getenv func(string) string) (app.Config, error) {
	return app.ApplyEnv(app.DefaultConfig(), getenv)
}

func main() {
	setupLogger(os.Getenv)
	cfg, err := readConfig(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
		"version":      version.String(),
	}).Info("запускаем сервер заказов")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("сервер заказов остановлен")
}
