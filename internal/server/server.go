package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"perpclear/internal/observability"
)

// Server runs the three listeners: the HTTP/JSON API, the operational
// endpoints (metrics, probes) and a gRPC endpoint carrying the standard
// health service for load balancers that speak gRPC health checks.
type Server struct {
	api      *API
	health   *observability.HealthChecker
	httpAddr string
	opsAddr  string
	grpcAddr string
	log      zerolog.Logger

	grpcServer   *grpc.Server
	healthServer *health.Server
}

func New(api *API, hc *observability.HealthChecker, httpAddr, opsAddr, grpcAddr string, log zerolog.Logger) *Server {
	return &Server{
		api:      api,
		health:   hc,
		httpAddr: httpAddr,
		opsAddr:  opsAddr,
		grpcAddr: grpcAddr,
		log:      log.With().Str("component", "server").Logger(),
	}
}

// ServeHTTP runs the API listener until ctx is cancelled.
func (s *Server) ServeHTTP(ctx context.Context) error {
	mux, err := s.api.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	srv := &http.Server{Addr: s.httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("http api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeOps runs the metrics and probe listener until ctx is cancelled.
func (s *Server) ServeOps(ctx context.Context) error {
	srv := &http.Server{Addr: s.opsAddr, Handler: OpsMux(s.health)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.opsAddr).Msg("ops listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ServeGRPC runs the gRPC listener until ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	s.grpcServer = grpc.NewServer()
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui.
	reflection.Register(s.grpcServer)

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("grpc listening")
	return s.grpcServer.Serve(lis)
}

// SetServing flips the gRPC health status once recovery completes.
func (s *Server) SetServing(serving bool) {
	if s.healthServer == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
}
