package server

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// grpcListener is the optional gRPC side channel: it serves the standard
// health service plus reflection so clients can probe the process.
type grpcListener struct {
	server       *grpc.Server
	healthServer *health.Server
	listener     net.Listener
	log          *logrus.Logger
}

func newGRPCListener(port int, log *logrus.Logger) (*grpcListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on gRPC port %d: %w", port, err)
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              5 * time.Second,
			Timeout:           time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	g := &grpcListener{
		server:       grpc.NewServer(opts...),
		healthServer: health.NewServer(),
		listener:     ln,
		log:          log,
	}

	grpc_health_v1.RegisterHealthServer(g.server, g.healthServer)
	g.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(g.server)

	log.WithFields(logrus.Fields{
		"component": "grpc",
		"port":      port,
	}).Info("gRPC listener started")

	go func() {
		if err := g.server.Serve(ln); err != nil {
			log.WithError(err).WithField("component", "grpc").Warn("gRPC server stopped")
		}
	}()
	return g, nil
}

func (g *grpcListener) Stop() {
	g.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	g.server.GracefulStop()
}
