package interceptors

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestLoggingUnary(t *testing.T) {
	testCases := []struct {
		name      string
		method    string
		err       error
		wantLog   string
		wantEmpty bool
	}{
		{"ok at debug", "/grpc.health.v1.Health/Check", nil, "code=OK", false},
		{"failure at warn", "/grpc.health.v1.Health/Check", status.Error(codes.Unavailable, "down"), "level=WARN", false},
		{"skipped", "/grpc.health.v1.Health/Watch", nil, "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			icpt := LoggingUnary(logger, map[string]bool{"/grpc.health.v1.Health/Watch": true})
			handler := func(context.Context, any) (any, error) { return "resp", tc.err }

			resp, err := icpt(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: tc.method}, handler)
			if err != tc.err {
				t.Errorf("err = %v, want %v", err, tc.err)
			}
			if resp != "resp" {
				t.Errorf("resp = %v, want handler response", resp)
			}
			if tc.wantEmpty {
				if buf.Len() != 0 {
					t.Errorf("log = %q, want nothing", buf.String())
				}
				return
			}
			if !strings.Contains(buf.String(), tc.wantLog) {
				t.Errorf("log = %q, want %q", buf.String(), tc.wantLog)
			}
			if !strings.Contains(buf.String(), "method="+tc.method) {
				t.Errorf("log = %q, want method", buf.String())
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	peerCtx := peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.3"), Port: 12345},
	})
	testCases := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"forwarded for", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "192.168.1.1")), "192.168.1.1"},
		{"forwarded chain", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "192.168.1.1, 10.0.0.1")), "192.168.1.1"},
		{"forwarded whitespace", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "  192.168.1.1  ")), "192.168.1.1"},
		{"real ip", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-real-ip", "192.168.1.2")), "192.168.1.2"},
		{"precedence", metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "192.168.1.1", "x-real-ip", "192.168.1.2")), "192.168.1.1"},
		{"peer", peerCtx, "192.168.1.3"},
		{"unknown", context.Background(), "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClientIP(tc.ctx); got != tc.want {
				t.Errorf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}
