package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/uploadgate/internal/common"
)

// loggingInterceptor logs every unary call with its outcome. Handler errors
// that are not gRPC statuses yet are mapped by kind; the raw error is logged.
func (s *GRPCServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		if _, ok := status.FromError(err); !ok {
			s.logger.Warn(ctx, "grpc call failed", "method", info.FullMethod, "error", err)
			err = common.GRPCStatus(err).Err()
		}
	}
	s.logger.Debug(ctx, "grpc call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"took", time.Since(start))
	return resp, err
}
