package util

import (
	"context"
	"fmt"
)

type CtxKey string

const (
	CorrelationIdKey CtxKey = "CorrelationId"
	SubscriptionKey  CtxKey = "Subscription"
)

func ValueToCtx[T any](ctx context.Context, key CtxKey, value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func ValueFromCtx[T any](ctx context.Context, key CtxKey) (T, error) {
	valueFromCtx := ctx.Value(key)
	if valueFromCtx == nil {
		return *new(T), NewUtilError(ErrCodeValueNotFoundInContext, fmt.Sprintf("%v not found in context", key), nil, nil)
	}
	value, ok := valueFromCtx.(T)
	if !ok {
		return *new(T), NewUtilError(ErrCodeInvalidValueInContext, fmt.Sprintf("%v is not of type %T on context", key, *new(T)), nil, nil)
	}
	return value, nil
}

func CorrelationIdToCtx(ctx context.Context, correlationId string) context.Context {
	return ValueToCtx(ctx, CorrelationIdKey, correlationId)
}

func CorrelationIdFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, CorrelationIdKey)
}

// SubscriptionToCtx tags ctx with the subscription a log line or request
// belongs to.
func SubscriptionToCtx(ctx context.Context, subscription string) context.Context {
	return ValueToCtx(ctx, SubscriptionKey, subscription)
}

func SubscriptionFromCtx(ctx context.Context) (string, error) {
	return ValueFromCtx[string](ctx, SubscriptionKey)
}
