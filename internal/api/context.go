package api

import "context"

type contextKey string

const (
	ctxKeyCaller    contextKey = "caller_identity"
	ctxKeyRequestID contextKey = "request_id"
)

func withCallerIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, identity)
}

func callerFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCaller).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
