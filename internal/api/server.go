// Package api hosts the gateway process: the HTTP router and a gRPC health
// service fed by periodic broker pings.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"httptrading/internal/config"
	"httptrading/internal/engine"
	"httptrading/internal/httpapi"
	"httptrading/internal/registry"
)

const shutdownGrace = 10 * time.Second

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	http   *http.Server
	grpc   *grpc.Server
	health *HealthChecker
	log    *slog.Logger
}

// NewServer wires the router and health service for the instances in reg.
func NewServer(cfg *config.Config, reg *registry.Registry, eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	router := httpapi.NewServer(reg, eng, httpapi.Options{MaxBodyBytes: cfg.Server.MaxBodyBytes}, log.With("component", "http"))

	s := &Server{
		cfg: cfg,
		reg: reg,
		http: &http.Server{
			Handler:           router.Handler(),
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			ReadTimeout:       cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
		},
		grpc:   grpc.NewServer(),
		health: NewHealthChecker(reg, eng, cfg.Health.Interval, log.With("component", "health")),
		log:    log,
	}
	s.health.Register(s.grpc)
	return s
}

// HTTPAddr returns the configured HTTP listen address.
func (s *Server) HTTPAddr() string {
	return net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
}

// GRPCAddr returns the configured gRPC listen address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	if s.cfg.Server.GRPCPort == 0 {
		return ""
	}
	return net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.GRPCPort))
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.HTTPAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.HTTPAddr(), err)
	}
	var grpcLn net.Listener
	if addr := s.GRPCAddr(); addr != "" {
		if grpcLn, err = net.Listen("tcp", addr); err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs on existing listeners. grpcLn may be nil. It returns after a
// graceful shutdown once ctx is done.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String(), "instances", s.reg.Len())
		if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("grpc health listening", "addr", grpcLn.Addr().String())
			if err := s.grpc.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	err := s.http.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	s.log.Info("servers stopped")
	return err
}
