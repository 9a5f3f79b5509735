package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/xrgarcia/jerky-shipping-sub004/config"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to parse config: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = RunShipSyncWorker(ctx, cfg, defaultWorkerFactories(), runOptions{
		swaggerPath: os.Getenv("swaggerPath"),
		onListen: func(addr string) {
			slog.Info("ops server listening", "addr", addr)
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
