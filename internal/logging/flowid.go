// Package logging carries a short flow id on the context so the log lines of
// one login, refresh or reward cycle can be grepped together.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const flowIDKey contextKey = "flowId"

// NewFlowID creates an 8-character hex id.
func NewFlowID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithFlowID attaches id to ctx.
func WithFlowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, flowIDKey, id)
}

// EnsureFlowID returns ctx unchanged if it already has a flow id,
// otherwise a child context with a fresh one.
func EnsureFlowID(ctx context.Context) context.Context {
	if FlowID(ctx) != "" {
		return ctx
	}
	return WithFlowID(ctx, NewFlowID())
}

// FlowID returns the flow id on ctx or "".
func FlowID(ctx context.Context) string {
	if id, ok := ctx.Value(flowIDKey).(string); ok {
		return id
	}
	return ""
}

// Prefix renders the flow id for a log line: "[a1b2c3d4] " or "".
func Prefix(ctx context.Context) string {
	if id := FlowID(ctx); id != "" {
		return "[" + id + "] "
	}
	return ""
}
