package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// requestIDMetadata is the gRPC metadata key for the request ID
const requestIDMetadata = "x-request-id"

// UnaryRequestID propagates or assigns a request ID and stores it in the
// handler's context.
func UnaryRequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadata); len(vals) > 0 {
				requestID = vals[0]
			}
		}
		if requestID == "" {
			requestID = uuid.New().String()
		}
		return handler(context.WithValue(ctx, RequestIDKey, requestID), req)
	}
}

// UnaryLogging logs failed calls at warn and everything else at debug.
// Heartbeats are frequent and only logged when they fail.
func UnaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", GetRequestID(ctx)),
		}
		if err != nil {
			logger.Warn("RPC failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("RPC completed", fields...)
		}
		return resp, err
	}
}

// UnaryRecovery turns a handler panic into an Internal status
func UnaryRecovery(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered",
					zap.Any("error", r),
					zap.String("method", info.FullMethod),
					zap.String("request_id", GetRequestID(ctx)))
				err = status.Error(codes.Internal, "INTERNAL: internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// UnaryRateLimit rejects calls with ResourceExhausted once the bucket is
// empty. Methods listed in exempt bypass the limiter.
func UnaryRateLimit(rl *RateLimiter, exempt ...string) grpc.UnaryServerInterceptor {
	skip := make(map[string]bool, len(exempt))
	for _, m := range exempt {
		skip[m] = true
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !skip[info.FullMethod] && !rl.Allow() {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("method", info.FullMethod),
				zap.String("request_id", GetRequestID(ctx)))
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}
