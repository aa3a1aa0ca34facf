package httpapi

import "context"

// RateLimiter blocks until a request may proceed. The HTTP and gRPC servers share
// saga.RateLimiter as the implementation.
type RateLimiter interface {
	Wait(ctx context.Context) error
}
