package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCtxKey(t *testing.T) {
	name := NewCtxKey[string]("name")
	count := NewCtxKey[int]("name")

	ctx := name.With(context.Background(), "raft")
	ctx = count.With(ctx, 3)

	got, ok := name.From(ctx)
	assert.True(t, ok)
	assert.Equal(t, "raft", got)

	n, ok := count.From(ctx)
	assert.True(t, ok)
	assert.Equal(t, 3, n, "same name, different value type")

	_, ok = NewCtxKey[string]("other").From(ctx)
	assert.False(t, ok)
	assert.Equal(t, "fallback", NewCtxKey[string]("other").FromOr(ctx, "fallback"))
	assert.Equal(t, "ctxkey[string](name)", name.String())
}
