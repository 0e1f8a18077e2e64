package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-governance/internal/errors"
	"github.com/pesio-ai/be-governance/internal/logger"
	"github.com/pesio-ai/be-governance/internal/repository"
)

// GRPCHandler serves the gRPC health protocol, reporting the storage
// connection as the service's serving status.
type GRPCHandler struct {
	health  *health.Server
	store   repository.Store
	service string
	log     *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(store repository.Store, serviceName string, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		health:  health.NewServer(),
		store:   store,
		service: serviceName,
		log:     log.Component("grpc"),
	}
}

// Register installs the health and reflection services on s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
}

// CheckStorage pings the store and publishes the result.
func (h *GRPCHandler) CheckStorage(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("storage ping failed, reporting NOT_SERVING")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	h.health.SetServingStatus(h.service, st)
}

// Run re-checks storage every interval until ctx is done.
func (h *GRPCHandler) Run(ctx context.Context, interval time.Duration) {
	h.CheckStorage(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckStorage(ctx)
		}
	}
}

// Shutdown flips every service to NOT_SERVING ahead of GracefulStop.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}

// UnaryLogging logs each unary call and converts service errors to gRPC
// statuses.
func UnaryLogging(log *logger.Logger) grpc.UnaryServerInterceptor {
	l := log.Component("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		err = mapErrorToGRPC(err)

		ev := l.Debug()
		if err != nil {
			ev = l.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// mapErrorToGRPC converts service errors to gRPC status errors
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(errors.GRPCCode(err), errors.PublicMessage(err))
}
