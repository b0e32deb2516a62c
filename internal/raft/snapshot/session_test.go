package snapshot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

type mockFileClient struct {
	mock.Mock
}

func (m *mockFileClient) GetFile(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*proto.GetFileResponse)
	return resp, args.Error(1)
}

type clientFunc func(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error)

func (f clientFunc) GetFile(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	return f(ctx, req)
}

// countingSink records writes and how many times it was closed
type countingSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed atomic.Int32
}

func (s *countingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *countingSink) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *countingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type stubThrottle struct {
	empty atomic.Int32
}

func (t *stubThrottle) ThrottledByThroughput(n uint64) uint64 {
	if t.empty.Add(-1) >= 0 {
		return 0
	}
	return n
}

func testOptions(maxRetry int) CopyOptions {
	return CopyOptions{MaxRetry: maxRetry, RetryInterval: time.Millisecond, Timeout: time.Second, ChunkSize: 4}
}

func atOffset(off uint64) any {
	return mock.MatchedBy(func(r *proto.GetFileRequest) bool { return r.Offset == off })
}

func waitResolved(t *testing.T, s *CopySession) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestCopySession_FailsAfterMaxRetry(t *testing.T) {
	client := &mockFileClient{}
	client.On("GetFile", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	sink := &countingSink{}
	s := NewCopySession(client, "reader", "data", sink, testOptions(3), nil)
	s.Start()

	err := waitResolved(t, s)
	assert.Equal(t, raft.CodeIO, raft.CodeOf(err))
	assert.Equal(t, int32(1), sink.closed.Load())
	client.AssertNumberOfCalls(t, "GetFile", 3)
}

func TestCopySession_AdvancesByReturnedBytes(t *testing.T) {
	client := &mockFileClient{}
	client.On("GetFile", mock.Anything, atOffset(0)).Return(&proto.GetFileResponse{Data: []byte("hel")}, nil).Once()
	client.On("GetFile", mock.Anything, atOffset(3)).Return(nil, errors.New("reset by peer")).Once()
	client.On("GetFile", mock.Anything, atOffset(3)).Return(&proto.GetFileResponse{Data: []byte("lo w")}, nil).Once()
	client.On("GetFile", mock.Anything, atOffset(7)).Return(nil, errors.New("reset by peer")).Once()
	client.On("GetFile", mock.Anything, atOffset(7)).Return(&proto.GetFileResponse{Data: []byte("orld"), Eof: true}, nil).Once()

	// two failures in total but never two in a row
	var copied atomic.Int64
	s := NewBufferCopySession(client, "reader", "data", testOptions(2), nil)
	s.OnBytes(func(n int) { copied.Add(int64(n)) })
	s.Start()

	require.NoError(t, waitResolved(t, s))
	assert.Equal(t, "hello world", string(s.Bytes()))
	assert.Equal(t, int64(11), copied.Load())
	client.AssertExpectations(t)
	for _, call := range client.Calls {
		req := call.Arguments.Get(1).(*proto.GetFileRequest)
		assert.Equal(t, uint64(4), req.Count)
		assert.True(t, req.ReadPartly)
		assert.Equal(t, "reader", req.ReaderId)
	}
}

func TestCopySession_EmptyThrottleDoesNotConsumeRetries(t *testing.T) {
	client := &mockFileClient{}
	client.On("GetFile", mock.Anything, atOffset(0)).Return(&proto.GetFileResponse{Data: []byte("ok"), Eof: true}, nil).Once()

	throttle := &stubThrottle{}
	throttle.empty.Store(5)

	s := NewBufferCopySession(client, "reader", "data", testOptions(1), throttle)
	s.Start()

	require.NoError(t, waitResolved(t, s))
	assert.Equal(t, "ok", string(s.Bytes()))
	client.AssertNumberOfCalls(t, "GetFile", 1)
}

func TestCopySession_CancellationSignalIsTerminal(t *testing.T) {
	client := &mockFileClient{}
	client.On("GetFile", mock.Anything, mock.Anything).Return(nil, status.Error(codes.Canceled, "context canceled"))

	sink := &countingSink{}
	s := NewCopySession(client, "reader", "data", sink, testOptions(5), nil)
	s.Start()

	err := waitResolved(t, s)
	assert.Equal(t, raft.CodeCanceled, raft.CodeOf(err))
	client.AssertNumberOfCalls(t, "GetFile", 1)
	assert.Equal(t, int32(1), sink.closed.Load())
}

func TestCopySession_CancelInFlight(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	client := clientFunc(func(ctx context.Context, _ *proto.GetFileRequest) (*proto.GetFileResponse, error) {
		calls.Add(1)
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sink := &countingSink{}
	s := NewCopySession(client, "reader", "data", sink, testOptions(5), nil)
	s.Start()
	<-started

	s.Cancel()
	s.Cancel()
	s.Join()

	assert.Equal(t, raft.CodeCanceled, raft.CodeOf(s.Status()))
	assert.Equal(t, int32(1), sink.closed.Load())

	// the cancelled call returning late must not retry
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCopySession_CancelPendingRetry(t *testing.T) {
	client := &mockFileClient{}
	client.On("GetFile", mock.Anything, mock.Anything).Return(nil, errors.New("unreachable"))

	opts := testOptions(10)
	opts.RetryInterval = time.Hour
	sink := &countingSink{}
	s := NewCopySession(client, "reader", "data", sink, opts, nil)
	s.Start()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.timer != nil
	}, time.Second, time.Millisecond)

	s.Cancel()
	s.Join()
	assert.Equal(t, raft.CodeCanceled, raft.CodeOf(s.Status()))
	client.AssertNumberOfCalls(t, "GetFile", 1)
}

func TestCopySession_CancelAfterCompletion(t *testing.T) {
	client := &mockFileClient{}
	client.On("GetFile", mock.Anything, mock.Anything).Return(&proto.GetFileResponse{Data: []byte("abc"), Eof: true}, nil)

	sink := &countingSink{}
	s := NewCopySession(client, "reader", "data", sink, testOptions(1), nil)
	s.Start()
	require.NoError(t, waitResolved(t, s))

	s.Cancel()

	assert.NoError(t, s.Status())
	assert.Equal(t, "abc", sink.String())
	assert.Equal(t, int32(1), sink.closed.Load())
}

func TestCopySession_ConcurrentCancelAndCompletion(t *testing.T) {
	for i := 0; i < 50; i++ {
		release := make(chan struct{})
		client := clientFunc(func(context.Context, *proto.GetFileRequest) (*proto.GetFileResponse, error) {
			<-release
			return &proto.GetFileResponse{Data: []byte("x"), Eof: true}, nil
		})

		sink := &countingSink{}
		s := NewCopySession(client, "reader", "data", sink, testOptions(1), nil)
		s.Start()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			close(release)
		}()
		go func() {
			defer wg.Done()
			s.Cancel()
		}()
		wg.Wait()
		s.Join()

		assert.Equal(t, int32(1), sink.closed.Load())
		if err := s.Status(); err != nil {
			assert.Equal(t, raft.CodeCanceled, raft.CodeOf(err))
		}
	}
}

func TestCopySession_WaitHonoursContext(t *testing.T) {
	client := clientFunc(func(ctx context.Context, _ *proto.GetFileRequest) (*proto.GetFileResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := NewBufferCopySession(client, "reader", "data", testOptions(1), nil)
	s.Start()
	defer s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestRateThrottle(t *testing.T) {
	throttle := NewThrottle(100)

	assert.Equal(t, uint64(60), throttle.ThrottledByThroughput(60))
	assert.InDelta(t, 40, throttle.ThrottledByThroughput(60), 1)
	assert.Equal(t, uint64(0), throttle.ThrottledByThroughput(60))
}
