package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/tutornet/pkg/types"
)

// DefaultProbeTimeout bounds a health probe when the context has no deadline
const DefaultProbeTimeout = 5 * time.Second

// Probe asks the health service at address for the status of service. The
// empty service name asks for the overall status of the process.
func Probe(ctx context.Context, address, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, types.WrapError(types.ErrCodeInvalidArgument, "invalid health address "+address, err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, types.WrapError(types.ErrCodeUnavailable, "health check failed", err)
	}
	return resp.GetStatus(), nil
}
