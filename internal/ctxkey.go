package internal

import (
	"context"
	"fmt"
)

// CtxKey is a context key bound to the type of its value, so lookups need no type assertion at the call
// site. Keys with the same name but different value types never collide.
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("ctxkey[%T](%s)", *new(T), k.name)
}

// With returns a copy of ctx carrying value under k.
func (k CtxKey[T]) With(ctx context.Context, value T) context.Context {
	return context.WithValue(ctx, k, value)
}

// From returns the value stored under k and whether there was one.
func (k CtxKey[T]) From(ctx context.Context) (T, bool) {
	value, ok := ctx.Value(k).(T)
	return value, ok
}

// FromOr returns the value stored under k, or def.
func (k CtxKey[T]) FromOr(ctx context.Context, def T) T {
	if value, ok := k.From(ctx); ok {
		return value
	}
	return def
}
