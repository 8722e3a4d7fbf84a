package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/types"
)

const (
	// DefaultMaxRecvMsgSize is the default maximum message size for receiving (in bytes)
	DefaultMaxRecvMsgSize = 1024 * 1024 * 4 // 4 MB
	// DefaultMaxSendMsgSize is the default maximum message size for sending (in bytes)
	DefaultMaxSendMsgSize = 1024 * 1024 * 4 // 4 MB
	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 10 * time.Second
)

// Server is a gRPC server listening on a TCP address
type Server struct {
	address         string
	listener        net.Listener
	server          *grpc.Server
	logger          *logger.Logger
	mu              sync.RWMutex
	closed          bool
	started         bool
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
	startTime       time.Time
}

// ServerConfig contains server configuration
type ServerConfig struct {
	MaxRecvMsgSize  int
	MaxSendMsgSize  int
	ShutdownTimeout time.Duration
	Interceptors    []grpc.ServerOption
}

// NewServer creates a new gRPC server for the given listen address. An
// address with port 0 picks a free port on Start.
func NewServer(address string, cfg ServerConfig, log *logger.Logger) (*Server, error) {
	if address == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "listen address cannot be empty")
	}
	if log == nil {
		log = logger.Global()
	}

	maxRecvSize := cfg.MaxRecvMsgSize
	if maxRecvSize <= 0 {
		maxRecvSize = DefaultMaxRecvMsgSize
	}
	maxSendSize := cfg.MaxSendMsgSize
	if maxSendSize <= 0 {
		maxSendSize = DefaultMaxSendMsgSize
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxRecvSize),
		grpc.MaxSendMsgSize(maxSendSize),
		grpc.Creds(insecure.NewCredentials()),
	}
	opts = append(opts, cfg.Interceptors...)

	s := &Server{
		address:         address,
		server:          grpc.NewServer(opts...),
		logger:          log.With("component", "grpc_server"),
		shutdownTimeout: shutdownTimeout,
	}

	s.logger.Debug("gRPC server initialized",
		"address", address,
		"max_recv_msg_size", maxRecvSize,
		"max_send_msg_size", maxSendSize,
		"shutdown_timeout", shutdownTimeout.String())

	return s, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeAlreadyExists, "server already started")
	}
	s.started = true
	s.mu.Unlock()

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return types.WrapError(types.ErrCodeInternal, "failed to listen on "+s.address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.startTime = time.Now()
	s.mu.Unlock()

	s.logger.Info("gRPC server listening", "address", listener.Addr().String())

	s.wg.Add(1)
	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()

		if !closed {
			s.logger.Error("gRPC server error", "error", err)
		}
	}
}

// RegisterService registers a gRPC service with the server
func (s *Server) RegisterService(sd *grpc.ServiceDesc, impl interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "services must be registered before Start")
	}

	s.server.RegisterService(sd, impl)
	s.logger.Debug("Service registered", "service", sd.ServiceName)
	return nil
}

// Stop gracefully stops the server, forcing it down after the shutdown timeout
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "server already closed")
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Stopping gRPC server", "address", s.Addr())

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("gRPC server shutdown timeout, stopping immediately")
		s.server.Stop()
	}

	s.wg.Wait()
	s.logger.Info("gRPC server stopped")
	return nil
}

// Addr returns the address the server is listening on, or the configured
// address before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// IsServing returns true if the server is currently serving
func (s *Server) IsServing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.closed && s.listener != nil
}

// String returns a string representation of the server
func (s *Server) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("Server{Address: %s, Started: %v, Closed: %v, StartTime: %v}",
		s.address, s.started, s.closed, s.startTime)
}
