package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"httptrading/internal/api"
	"httptrading/internal/bridge"
	"httptrading/internal/config"
	"httptrading/internal/engine"
	"httptrading/internal/registry"
	"httptrading/internal/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, config.Path())
	cancel()
	os.Exit(code)
}

// run serves until ctx is done and returns the process exit status. Deferred
// cleanup runs before main exits.
func run(ctx context.Context, cfgPath string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	reg, err := registry.Build(cfg.Specs(), logger)
	if err != nil {
		logger.Error("failed to build instances", "error", err)
		return 1
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("closing instances", "error", err)
		}
	}()

	if err := reg.Start(ctx); err != nil {
		logger.Error("failed to start instances", "error", err)
		return 1
	}

	b := bridge.New(cfg.Bridge.Workers, cfg.Bridge.Timeout, logger, bridge.WithPerInstance(cfg.Bridge.PerInstance))
	eng := engine.NewEngine(b, logger)
	srv := api.NewServer(cfg, reg, eng, logger)

	logger.Info("httptrading-server starting", "http", srv.HTTPAddr(), "grpc", srv.GRPCAddr(), "instances", reg.Len())
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}
