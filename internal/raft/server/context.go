package server

import (
	"context"

	"raftd/internal"
)

var (
	callerAddr = internal.NewCtxKey[string]("callerAddr")
	rpcMethod  = internal.NewCtxKey[string]("rpcMethod")
)

// SetCallerAddr records the network address an inbound RPC came from.
func SetCallerAddr(ctx context.Context, addr string) context.Context {
	return callerAddr.With(ctx, addr)
}

func GetCallerAddr(ctx context.Context) (string, bool) {
	return callerAddr.From(ctx)
}

func SetRPCMethod(ctx context.Context, method string) context.Context {
	return rpcMethod.With(ctx, method)
}

func GetRPCMethod(ctx context.Context) (string, bool) {
	return rpcMethod.From(ctx)
}

// caller is the inbound caller address for log lines, "local" for calls that did not come over gRPC.
func caller(ctx context.Context) string {
	return callerAddr.FromOr(ctx, "local")
}
