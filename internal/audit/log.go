package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
)

type actorInfo struct {
	principalID string
	tenantID    string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the acting principal and tenant to the context so
// events emitted downstream carry attribution without extra plumbing.
func WithActor(ctx context.Context, principalID, tenantID string) context.Context {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actorInfo{principalID: principalID, tenantID: tenantID})
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func actorFromContext(ctx context.Context) (actorInfo, bool) {
	if ctx == nil {
		return actorInfo{}, false
	}
	v, ok := ctx.Value(actorKey).(actorInfo)
	return v, ok
}
