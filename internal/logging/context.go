package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	deviceCtxKey    struct{}
	cycleCtxKey     struct{}
	principalCtxKey struct{}
	requestCtxKey   struct{}
	loggerCtxKey    struct{}
)

// ContextFields extracts correlation fields: trace ids, device, sync cycle,
// principal and request.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v, ok := ctx.Value(deviceCtxKey{}).(string); ok {
		fields = append(fields, zap.String("device.id", v))
	}
	if v, ok := ctx.Value(cycleCtxKey{}).(string); ok {
		fields = append(fields, zap.String("cycle.id", v))
	}
	if v, ok := ctx.Value(principalCtxKey{}).(string); ok {
		fields = append(fields, zap.String("principal.user", v))
	}
	if v, ok := ctx.Value(requestCtxKey{}).(string); ok {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

// WithDeviceID tags ctx with the device performing the work.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return withNonEmpty(ctx, deviceCtxKey{}, id)
}

// WithCycleID tags ctx with the sync cycle in progress.
func WithCycleID(ctx context.Context, id string) context.Context {
	return withNonEmpty(ctx, cycleCtxKey{}, id)
}

// WithPrincipal tags ctx with the acting user.
func WithPrincipal(ctx context.Context, userID string) context.Context {
	return withNonEmpty(ctx, principalCtxKey{}, userID)
}

// WithRequestID tags ctx with an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withNonEmpty(ctx, requestCtxKey{}, id)
}

func withNonEmpty(ctx context.Context, key any, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

// DeviceIDFromContext returns the device id set by WithDeviceID.
func DeviceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(deviceCtxKey{}).(string)
	return v
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the stored logger or a no-op one.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
