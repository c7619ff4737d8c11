// Package interceptor holds gRPC server interceptors.
package interceptor

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type LoggingInterceptor struct {
	logger        *slog.Logger
	slowThreshold time.Duration
}

// NewLoggingInterceptor logs each call once it returns. Calls slower than
// slowThreshold are logged at warn; zero means one second.
func NewLoggingInterceptor(logger *slog.Logger, slowThreshold time.Duration) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	if slowThreshold <= 0 {
		slowThreshold = time.Second
	}
	return &LoggingInterceptor{
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

func (l *LoggingInterceptor) UnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	l.logRequest(ctx, info.FullMethod, time.Since(start), err)
	return resp, err
}

func (l *LoggingInterceptor) StreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()
	err := handler(srv, ss)
	l.logRequest(ss.Context(), info.FullMethod, time.Since(start), err)
	return err
}

func (l *LoggingInterceptor) logRequest(ctx context.Context, method string, duration time.Duration, err error) {
	code := status.Code(err)
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.Duration("duration", duration),
		slog.String("code", code.String()),
	}

	level := slog.LevelInfo
	switch {
	case err != nil && code != codes.Canceled:
		level = slog.LevelError
		attrs = append(attrs, slog.String("error", err.Error()))
	case duration > l.slowThreshold:
		level = slog.LevelWarn
		attrs = append(attrs, slog.Bool("slow", true))
	}
	l.logger.LogAttrs(ctx, level, "grpc request", attrs...)
}
