// Package controlapi exposes the emulator's readiness over gRPC.
//
// The standard health service reports service "" as SERVING while the
// topology is up and "node/<name>" as SERVING once that node's daemon
// answers on its control endpoint. Everything goes NOT_SERVING at teardown.
package controlapi

import (
	"context"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/observability"
)

// NodeService returns the health service name of a node.
func NodeService(node string) string { return "node/" + node }

// Server is the control API. It implements core.StatusListener.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger

	mu    sync.Mutex
	nodes map[string]struct{}
}

var _ core.StatusListener = (*Server)(nil)

// New returns a server with the health service registered. metrics may be
// nil.
func New(log logging.Logger, metrics *observability.Collector) *Server {
	if log == nil {
		log = logging.Noop()
	}
	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			metrics.UnaryServerInterceptor(),
		),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, log: log, nodes: make(map[string]struct{})}
}

// NodeReady implements core.StatusListener.
func (s *Server) NodeReady(node string) {
	s.mu.Lock()
	s.nodes[node] = struct{}{}
	s.mu.Unlock()
	s.health.SetServingStatus(NodeService(node), healthpb.HealthCheckResponse_SERVING)
}

// TopologyUp implements core.StatusListener.
func (s *Server) TopologyUp(name string) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.log.Info(context.Background(), "control api serving", logging.String("topology", name))
}

// TopologyDown implements core.StatusListener.
func (s *Server) TopologyDown(nodes []string) {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n] = struct{}{}
	}
	for n := range s.nodes {
		s.health.SetServingStatus(NodeService(n), healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info(context.Background(), "starting control api", logging.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
