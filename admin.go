package bridge

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the service name reported by the admin health server
const HealthServiceName = "wsmqttbridge.Bridge"

// AdminServer exposes gRPC health checking and reflection for operators
type AdminServer struct {
	*grpc.Server
	health *health.Server
}

// NewAdminServer creates the admin server. It reports SERVING until
// Shutdown is called.
func NewAdminServer(opts ...grpc.ServerOption) *AdminServer {
	s := &AdminServer{
		Server: grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.Server, s.health)
	reflection.Register(s.Server)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Shutdown marks every service NOT_SERVING and stops the server gracefully
func (s *AdminServer) Shutdown() {
	s.health.Shutdown()
	s.Server.GracefulStop()
}
