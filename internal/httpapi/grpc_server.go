package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"crewdesk.io/internal/obs"
)

const serviceName = "crewdesk-api"

// GRPCHealth exposes the standard grpc_health_v1 service, fed by the
// same readiness probe as /readyz.
type GRPCHealth struct {
	server *health.Server
	probe  ReadyProbe
}

// NewGRPCHealth creates the health service wrapper.
func NewGRPCHealth(probe ReadyProbe) *GRPCHealth {
	return &GRPCHealth{server: health.NewServer(), probe: probe}
}

// Register attaches the health service to a gRPC server.
func (g *GRPCHealth) Register(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, g.server)
}

// Watch polls the probe and publishes serving status until the context
// ends, then marks the service as shutting down.
func (g *GRPCHealth) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g.publish(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.publish(ctx)
		}
	}
}

func (g *GRPCHealth) publish(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := g.probe.Check(cctx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	g.server.SetServingStatus("", status)
	g.server.SetServingStatus(serviceName, status)
}
