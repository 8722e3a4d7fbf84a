package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/billm/tutornet/internal/logger"
)

// Interceptors returns the unary and stream interceptors every tutornet gRPC
// server installs: call logging and panic recovery.
func Interceptors(log *logger.Logger) []grpc.ServerOption {
	if log == nil {
		log = logger.Global()
	}
	log = log.With("component", "grpc_interceptor")
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(log), recoveryUnaryInterceptor(log)),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(log), recoveryStreamInterceptor(log)),
	}
}

// loggingUnaryInterceptor logs unary RPC calls
func loggingUnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			st, _ := status.FromError(err)
			log.Warn("RPC failed",
				"method", info.FullMethod,
				"code", st.Code().String(),
				"message", st.Message(),
				"duration_ms", duration.Milliseconds())
		} else {
			log.Debug("RPC completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds())
		}
		return resp, err
	}
}

// loggingStreamInterceptor logs streaming RPC calls
func loggingStreamInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, stream)
		duration := time.Since(start)

		if err != nil {
			st, _ := status.FromError(err)
			log.Warn("Stream failed",
				"method", info.FullMethod,
				"code", st.Code().String(),
				"message", st.Message(),
				"duration_ms", duration.Milliseconds())
		} else {
			log.Debug("Stream completed",
				"method", info.FullMethod,
				"duration_ms", duration.Milliseconds())
		}
		return err
	}
}

func recoveryUnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("RPC handler panicked", "method", info.FullMethod, "panic", fmt.Sprint(r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Stream handler panicked", "method", info.FullMethod, "panic", fmt.Sprint(r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, stream)
	}
}
