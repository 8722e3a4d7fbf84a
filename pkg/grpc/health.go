package grpc

import (
	"context"
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/billm/tutornet/internal/logger"
)

// Check reports whether a service is able to serve right now
type Check func() bool

// HealthServer implements the gRPC health checking protocol
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
//
// A service either has a fixed status set with SetServingStatus or a Check
// evaluated on every request. The empty service name reports SERVING only
// while every registered check passes.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	checks   map[string]Check
	shutdown bool
}

// NewHealthServer creates a new health check server
func NewHealthServer(log *logger.Logger) *HealthServer {
	if log == nil {
		log = logger.Global()
	}
	return &HealthServer{
		logger: log.With("component", "health_server"),
		statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"": grpc_health_v1.HealthCheckResponse_SERVING,
		},
		checks: make(map[string]Check),
	}
}

// Check implements the health check RPC
// An unknown, non-empty service name is answered with NOT_FOUND
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	st, ok := s.status(req.GetService())
	if !ok {
		s.logger.Debug("Health check for unknown service", "service", req.GetService())
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch implements the health watch RPC
// It sends the current status once and closes the stream.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	st, ok := s.status(req.GetService())
	if !ok {
		st = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st})
}

// SetServingStatus sets a fixed serving status for the given service
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.statuses[service]
	s.statuses[service] = st
	delete(s.checks, service)

	s.logger.Info("Health status updated",
		"service", service,
		"old_status", old.String(),
		"new_status", st.String())
}

// SetServing sets the service status to SERVING
func (s *HealthServer) SetServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing sets the service status to NOT_SERVING
func (s *HealthServer) SetNotServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// SetCheck registers a live check for the given service
func (s *HealthServer) SetCheck(service string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[service] = check
	delete(s.statuses, service)
	s.logger.Debug("Health check registered", "service", service)
}

// Shutdown puts the health server into shutdown mode
// All health checks return NOT_SERVING after this call
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the current serving status for a service. Unknown
// services report SERVICE_UNKNOWN.
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	st, ok := s.status(service)
	if !ok {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}

// Services returns the sorted names of the registered services
func (s *HealthServer) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.statuses)+len(s.checks))
	for name := range s.statuses {
		names = append(names, name)
	}
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *HealthServer) status(service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, bool) {
	s.mu.RLock()
	shutdown := s.shutdown
	st, fixed := s.statuses[service]
	check, live := s.checks[service]
	var all []Check
	if service == "" {
		all = make([]Check, 0, len(s.checks))
		for _, c := range s.checks {
			all = append(all, c)
		}
	}
	s.mu.RUnlock()

	if !fixed && !live {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, false
	}
	if shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING, true
	}
	if live {
		return servingStatus(check()), true
	}
	for _, c := range all {
		if !c() {
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING, true
		}
	}
	return st, true
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
