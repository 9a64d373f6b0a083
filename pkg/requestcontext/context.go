// Package requestcontext provides HTTP-independent context accessors for
// request-scoped values. Middleware sets them; services read them without
// importing net/http.
package requestcontext

import (
	"context"
)

type (
	requestIDKey struct{}
	operatorKey  struct{}
	operatorRole struct{}
	clientIPKey  struct{}
)

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

// Operator retrieves the authenticated operator name from the context.
// Empty means the request carried no operator API key.
func Operator(ctx context.Context) string {
	if op, ok := ctx.Value(operatorKey{}).(string); ok {
		return op
	}
	return ""
}

// OperatorRole retrieves the authenticated operator's role.
func OperatorRole(ctx context.Context) string {
	if role, ok := ctx.Value(operatorRole{}).(string); ok {
		return role
	}
	return ""
}

// WithOperator injects the authenticated operator identity into the context.
func WithOperator(ctx context.Context, name, role string) context.Context {
	ctx = context.WithValue(ctx, operatorKey{}, name)
	return context.WithValue(ctx, operatorRole{}, role)
}

// ClientIP retrieves the client IP address from the context.
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// WithClientIP injects the client IP into the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}
