package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"httptrading/internal/engine"
	"httptrading/internal/registry"
)

// BrokersService is the health service name that is SERVING only while every
// instance answers its ping. Instance ids are never used as service names.
const BrokersService = "httptrading.brokers"

// HealthChecker pings every instance periodically and publishes the result on
// the standard gRPC health service.
type HealthChecker struct {
	reg      *registry.Registry
	eng      *engine.Engine
	interval time.Duration
	server   *health.Server
	log      *slog.Logger

	healthy atomic.Int64
}

// NewHealthChecker creates a checker; nothing runs until Run.
func NewHealthChecker(reg *registry.Registry, eng *engine.Engine, interval time.Duration, log *slog.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(BrokersService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthChecker{reg: reg, eng: eng, interval: interval, server: hs, log: log}
}

// Register exposes the health service on gs.
func (h *HealthChecker) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.server)
}

// Server returns the underlying health server.
func (h *HealthChecker) Server() *health.Server { return h.server }

// Healthy returns how many instances answered the last check.
func (h *HealthChecker) Healthy() int { return int(h.healthy.Load()) }

// Check pings every instance concurrently and updates BrokersService. It
// reports whether all instances are up.
func (h *HealthChecker) Check(ctx context.Context) bool {
	insts := h.reg.Instances()
	up := make([]bool, len(insts))

	var g errgroup.Group
	for i, inst := range insts {
		g.Go(func() error {
			ok, err := h.eng.Ping(ctx, inst)
			if err != nil || !ok {
				inst.Log.Warn("ping failed", "pong", ok, "error", err)
				return nil
			}
			up[i] = true
			return nil
		})
	}
	g.Wait()

	n := 0
	for _, ok := range up {
		if ok {
			n++
		}
	}
	h.healthy.Store(int64(n))

	all := n == len(insts)
	status := healthpb.HealthCheckResponse_SERVING
	if !all {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(BrokersService, status)
	return all
}

// Run checks immediately and then every interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) {
	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.Check(ctx) {
				h.log.Warn("instances unhealthy", "healthy", h.Healthy(), "total", h.reg.Len())
			}
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthChecker) Shutdown() {
	h.server.Shutdown()
}
