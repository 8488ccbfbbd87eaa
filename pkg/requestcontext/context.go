// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// This package defines context keys and getter/setter functions for values that are
// typically set by middleware but consumed by services. By keeping this package free
// of net/http dependencies, services can import only what they need without pulling
// in HTTP-related code.
//
// Usage in services (read values):
//
//	tenantID := requestcontext.TenantID(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in middleware (set values):
//
//	ctx = requestcontext.WithTenantID(ctx, tenantID)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
package requestcontext

import (
	"context"
	"time"
)

// Context key types (unexported for encapsulation).
type (
	tenantIDKey       struct{}
	actorUserIDKey    struct{}
	serviceAccountKey struct{}
	clientIPKey       struct{}
	userAgentKey      struct{}
	requestIDKey      struct{}
	requestTimeKey    struct{}
)

// TenantID retrieves the tenant identifier from the context.
// Returns the empty string if no tenant has been resolved.
func TenantID(ctx context.Context) string {
	if tenantID, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return tenantID
	}
	return ""
}

// WithTenantID injects a tenant identifier into the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// ActorUserID retrieves the acting user ID from the context.
func ActorUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(actorUserIDKey{}).(string); ok {
		return userID
	}
	return ""
}

// WithActorUserID injects an acting user ID into the context.
func WithActorUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorUserIDKey{}, userID)
}

// ServiceAccount retrieves the acting service account from the context.
func ServiceAccount(ctx context.Context) string {
	if account, ok := ctx.Value(serviceAccountKey{}).(string); ok {
		return account
	}
	return ""
}

// WithServiceAccount injects an acting service account into the context.
func WithServiceAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, serviceAccountKey{}, account)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// UserAgent retrieves the User-Agent from the context.
func UserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentKey{}).(string); ok {
		return ua
	}
	return ""
}

// WithClientMetadata injects client IP and User-Agent into a context.
// Useful for service unit tests that don't run the full HTTP middleware chain.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	ctx = context.WithValue(ctx, userAgentKey{}, userAgent)
	return ctx
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (for non-HTTP contexts like workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Useful for service unit
// tests and for workers that need consistent time within a batch operation.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}
