package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

type mockCliClient struct {
	mock.Mock
}

func (m *mockCliClient) Apply(ctx context.Context, in *proto.ApplyRequest, _ ...grpc.CallOption) (*proto.ApplyResponse, error) {
	args := m.Called(ctx, in)
	resp, _ := args.Get(0).(*proto.ApplyResponse)
	return resp, args.Error(1)
}

func (m *mockCliClient) ChangePeers(ctx context.Context, in *proto.ChangePeersRequest, _ ...grpc.CallOption) (*proto.ChangePeersResponse, error) {
	args := m.Called(ctx, in)
	resp, _ := args.Get(0).(*proto.ChangePeersResponse)
	return resp, args.Error(1)
}

func (m *mockCliClient) TransferLeader(ctx context.Context, in *proto.TransferLeaderRequest, _ ...grpc.CallOption) (*proto.TransferLeaderResponse, error) {
	args := m.Called(ctx, in)
	resp, _ := args.Get(0).(*proto.TransferLeaderResponse)
	return resp, args.Error(1)
}

func (m *mockCliClient) ListPeers(ctx context.Context, in *proto.ListPeersRequest, _ ...grpc.CallOption) (*proto.ListPeersResponse, error) {
	args := m.Called(ctx, in)
	resp, _ := args.Get(0).(*proto.ListPeersResponse)
	return resp, args.Error(1)
}

func TestApplyCmd(t *testing.T) {
	cli := &mockCliClient{}
	cli.On("Apply", mock.Anything, &proto.ApplyRequest{GroupId: "kv", Data: []byte("SET a=1")}).
		Return(&proto.ApplyResponse{Index: 7}, nil)

	var out bytes.Buffer
	require.NoError(t, applyCmd(context.Background(), clients{cli: cli}, "kv", []string{"SET", "a=1"}, &out))
	assert.Equal(t, "applied at index 7\n", out.String())
	cli.AssertExpectations(t)

	assert.ErrorIs(t, applyCmd(context.Background(), clients{cli: cli}, "kv", nil, &out), errUsage)
}

func TestPeersCmd(t *testing.T) {
	cli := &mockCliClient{}
	cli.On("ListPeers", mock.Anything, &proto.ListPeersRequest{GroupId: "kv"}).Return(&proto.ListPeersResponse{
		Peers:    []string{"127.0.0.1:8001", "127.0.0.1:8002"},
		LeaderId: "127.0.0.1:8001",
		Term:     3,
	}, nil)

	var out bytes.Buffer
	require.NoError(t, peersCmd(context.Background(), clients{cli: cli}, "kv", nil, &out))
	assert.Equal(t, "term 3, leader 127.0.0.1:8001\n127.0.0.1:8001\n127.0.0.1:8002\n", out.String())
}

func TestChangePeersCmd(t *testing.T) {
	cli := &mockCliClient{}
	peers := []string{"127.0.0.1:8001", "127.0.0.1:8004"}
	cli.On("ChangePeers", mock.Anything, &proto.ChangePeersRequest{GroupId: "kv", NewPeers: peers}).
		Return(&proto.ChangePeersResponse{OldPeers: []string{"127.0.0.1:8001"}, NewPeers: peers}, nil)

	var out bytes.Buffer
	require.NoError(t, changePeersCmd(context.Background(), clients{cli: cli}, "kv", peers, &out))
	assert.Equal(t, "127.0.0.1:8001 -> 127.0.0.1:8001,127.0.0.1:8004\n", out.String())

	t.Run("malformed peers are rejected before any call", func(t *testing.T) {
		err := changePeersCmd(context.Background(), clients{cli: cli}, "kv", []string{"nohost"}, &out)
		assert.Error(t, err)
		cli.AssertNumberOfCalls(t, "ChangePeers", 1)
	})
}

func TestTransferCmd(t *testing.T) {
	cli := &mockCliClient{}
	cli.On("TransferLeader", mock.Anything, &proto.TransferLeaderRequest{GroupId: "kv"}).
		Return(nil, raft.ToGRPC(raft.ErrNotLeader))

	var out bytes.Buffer
	err := transferCmd(context.Background(), clients{cli: cli}, "kv", nil, &out)
	require.Error(t, err)
	assert.ErrorIs(t, raft.FromGRPC(err), raft.ErrNotLeader)
}

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorIs(t, run(nil, &out), errUsage)
	assert.ErrorIs(t, run([]string{"frobnicate"}, &out), errUsage)
}
