package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/lk2023060901/relay-hub/application"
	"github.com/lk2023060901/relay-hub/internal/server"
	"github.com/lk2023060901/relay-hub/pkg/log"
)

// 构建时通过 -ldflags "-X main.version=..." 注入。
var version = "0.1.0"

func main() {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Info(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		log.Warn("set GOMAXPROCS failed", zap.Error(err))
	}
	defer undo()

	app, err := application.New(os.Args[1:], server.Info{
		Name:        "relay-hub",
		Version:     version,
		Description: "WebSocket presence and message relay hub",
	})
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay-hub: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
