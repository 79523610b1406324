// Command pos-agent: клиент кассы: принимает заказы офлайн и досылает их на сервер.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Getenv).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
