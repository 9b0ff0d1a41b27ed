// Command agent is the node agent's single foreground process entry
// point. Grounded on the teacher's cmd/main.go: zap.NewProduction
// logger, signal.Notify(SIGINT, SIGTERM), bounded graceful shutdown —
// generalized to drive the full Supervisor startup sequence instead of
// one hard-coded Agent struct.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/node-agent/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional path to a YAML config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(ctx, *configPath, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	logger.Info("agent started", zap.String("agent_id", sup.AgentID()))

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		select {
		case <-runErr:
		case <-time.After(35 * time.Second):
			logger.Warn("shutdown drain timed out")
		}
		return 130
	case err := <-runErr:
		if err != nil {
			logger.Error("runtime error", zap.Error(err))
			return 2
		}
		return 0
	}
}
