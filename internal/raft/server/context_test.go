package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerContext_CallerAddr(t *testing.T) {
	t.Run("sets and gets caller address", func(t *testing.T) {
		ctx := SetCallerAddr(context.Background(), "127.0.0.1:5001")

		addr, ok := GetCallerAddr(ctx)
		assert.True(t, ok)
		assert.Equal(t, "127.0.0.1:5001", addr)
		assert.Equal(t, "127.0.0.1:5001", caller(ctx))
	})

	t.Run("returns false for missing address", func(t *testing.T) {
		_, ok := GetCallerAddr(context.Background())
		assert.False(t, ok)
		assert.Equal(t, "local", caller(context.Background()))
	})
}

func TestServerContext_RPCMethod(t *testing.T) {
	t.Run("sets and gets method", func(t *testing.T) {
		ctx := SetRPCMethod(context.Background(), "/raft.RaftService/AppendEntries")

		method, ok := GetRPCMethod(ctx)
		assert.True(t, ok)
		assert.Equal(t, "/raft.RaftService/AppendEntries", method)
	})

	t.Run("keys do not collide", func(t *testing.T) {
		ctx := SetCallerAddr(context.Background(), "a")
		ctx = SetRPCMethod(ctx, "b")

		addr, _ := GetCallerAddr(ctx)
		method, _ := GetRPCMethod(ctx)
		assert.Equal(t, "a", addr)
		assert.Equal(t, "b", method)
	})
}
