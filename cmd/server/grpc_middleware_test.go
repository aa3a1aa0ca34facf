package main

import (
	"context"
	"errors"
	"testing"

	"domainflow/internal/observability"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Wait(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubServerStream struct {
	ctx       context.Context
	recvCalls int
	recvErr   error
}

func (s *stubServerStream) Context() context.Context { return s.ctx }
func (s *stubServerStream) RecvMsg(m any) error {
	s.recvCalls++
	return s.recvErr
}
func (s *stubServerStream) SendMsg(m any) error { return nil }
func (s *stubServerStream) SetHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *stubServerStream) SetTrailer(md metadata.MD) {}

func TestRateLimitUnaryInterceptor_CallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	metrics := observability.NewMetrics()
	interceptor := rateLimitUnaryInterceptor(limiter, metrics, zaptest.NewLogger(t))

	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err := interceptor(context.Background(), "req", info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if got := metrics.Snapshot().Methods[info.FullMethod].Count; got != 1 {
		t.Fatalf("expected one tracked call, got %d", got)
	}
}

func TestRateLimitUnaryInterceptor_LimiterErrorSkipsHandler(t *testing.T) {
	limiter := &stubLimiter{err: context.DeadlineExceeded}
	interceptor := rateLimitUnaryInterceptor(limiter, nil, nil)

	called := false
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) || called {
		t.Fatalf("expected limiter error without handler call, got err=%v called=%v", err, called)
	}
}

func TestRateLimitStreamInterceptor_WrapsStream(t *testing.T) {
	limiter := &stubLimiter{}
	interceptor := rateLimitStreamInterceptor(limiter, nil, zaptest.NewLogger(t))
	stream := &stubServerStream{ctx: context.Background()}

	err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/grpc.health.v1.Health/Watch"}, func(srv any, ss grpc.ServerStream) error {
		return ss.RecvMsg(&struct{}{})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 || stream.recvCalls != 1 {
		t.Fatalf("expected one limited recv, got limiter=%d recv=%d", limiter.calls, stream.recvCalls)
	}
}

func TestRateLimitedServerStream_RecvMsgCallsLimiter(t *testing.T) {
	limiter := &stubLimiter{}
	stream := &stubServerStream{ctx: context.Background()}
	wrapped := &rateLimitedServerStream{
		ServerStream: stream,
		limiter:      limiter,
	}

	if err := wrapped.RecvMsg(&struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be called once, got %d", limiter.calls)
	}
	if stream.recvCalls != 1 {
		t.Fatalf("expected recv to be called once, got %d", stream.recvCalls)
	}
}

func TestShouldTrackMethod(t *testing.T) {
	if shouldTrackMethod("") || shouldTrackMethod("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo") {
		t.Fatalf("expected reflection and empty methods to be skipped")
	}
	if !shouldTrackMethod("/grpc.health.v1.Health/Check") {
		t.Fatalf("expected health method to be tracked")
	}
}
