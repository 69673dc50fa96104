// Package correlation carries request-scoped identifiers on a context.
package correlation

import "context"

// IDs holds the identifiers of one inbound request.
type IDs struct {
	RequestID string
	TraceID   string
}

type ctxKey struct{}

// WithIDs returns a child context carrying ids.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	return context.WithValue(ctx, ctxKey{}, ids)
}

// FromContext returns the identifiers stored on ctx, or zero values.
func FromContext(ctx context.Context) IDs {
	ids, _ := ctx.Value(ctxKey{}).(IDs)
	return ids
}

// RequestID is a shorthand for FromContext(ctx).RequestID.
func RequestID(ctx context.Context) string { return FromContext(ctx).RequestID }

// TraceID is a shorthand for FromContext(ctx).TraceID.
func TraceID(ctx context.Context) string { return FromContext(ctx).TraceID }
