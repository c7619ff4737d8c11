package interceptor

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLoggingInterceptor_Unary(t *testing.T) {
	tests := []struct {
		name      string
		handler   grpc.UnaryHandler
		threshold time.Duration
		wantLevel string
		wantCode  string
	}{
		{
			name:      "ok",
			handler:   func(context.Context, any) (any, error) { return "resp", nil },
			wantLevel: "level=INFO",
			wantCode:  "code=OK",
		},
		{
			name: "failed",
			handler: func(context.Context, any) (any, error) {
				return nil, status.Error(codes.NotFound, "missing")
			},
			wantLevel: "level=ERROR",
			wantCode:  "code=NotFound",
		},
		{
			name: "slow",
			handler: func(context.Context, any) (any, error) {
				time.Sleep(5 * time.Millisecond)
				return "resp", nil
			},
			threshold: time.Millisecond,
			wantLevel: "level=WARN",
			wantCode:  "code=OK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLoggingInterceptor(newTestLogger(&buf), tt.threshold)
			info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

			_, err := l.UnaryInterceptor(context.Background(), nil, info, tt.handler)
			if tt.wantCode == "code=OK" {
				require.NoError(t, err)
			}

			out := buf.String()
			assert.Contains(t, out, tt.wantLevel)
			assert.Contains(t, out, tt.wantCode)
			assert.Contains(t, out, "method=/grpc.health.v1.Health/Check")
		})
	}
}
