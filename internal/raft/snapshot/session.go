package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

// FileClient issues GetFile requests to the peer serving a snapshot.
type FileClient interface {
	GetFile(ctx context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error)
}

// CopyOptions tune a chunk copy.
type CopyOptions struct {
	// MaxRetry is the number of consecutive failed requests after which the copy fails
	MaxRetry int
	// RetryInterval is the delay before re-requesting after a failure or an empty throttle
	RetryInterval time.Duration
	// Timeout bounds a single GetFile request
	Timeout time.Duration
	// ChunkSize is the largest number of bytes asked for in one request
	ChunkSize uint64
}

func DefaultCopyOptions() CopyOptions {
	return CopyOptions{
		MaxRetry:      3,
		RetryInterval: time.Second,
		Timeout:       10 * time.Second,
		ChunkSize:     128 * 1024,
	}
}

// CopySession pulls one remote file chunk by chunk into a destination. The session runs until the remote
// reports EOF, a request fails MaxRetry times in a row, or Cancel is called; in every case the destination is
// closed and the session resolved exactly once.
type CopySession struct {
	mu sync.Mutex

	client   FileClient
	opts     CopyOptions
	throttle Throttle
	req      proto.GetFileRequest

	dest io.WriteCloser
	buf  *bytes.Buffer

	offset   uint64
	retries  int
	status   error
	finished bool

	cancelInflight context.CancelFunc
	timer          *time.Timer

	onBytes    func(n int)
	finishOnce sync.Once
	done       chan struct{}

	log *log.Entry
}

func newSession(client FileClient, readerID, filename string, dest io.WriteCloser, opts CopyOptions, throttle Throttle) *CopySession {
	defaults := DefaultCopyOptions()
	if opts.ChunkSize == 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	return &CopySession{
		client:   client,
		opts:     opts,
		throttle: throttle,
		req:      proto.GetFileRequest{ReaderId: readerID, Filename: filename, ReadPartly: true},
		dest:     dest,
		done:     make(chan struct{}),
		log:      log.WithFields(log.Fields{"reader": readerID, "file": filename}),
	}
}

// NewCopySession creates a session writing into dest. Nothing is requested until Start.
func NewCopySession(client FileClient, readerID, filename string, dest io.WriteCloser, opts CopyOptions, throttle Throttle) *CopySession {
	return newSession(client, readerID, filename, dest, opts, throttle)
}

// NewBufferCopySession creates a session collecting the file in memory, see Bytes.
func NewBufferCopySession(client FileClient, readerID, filename string, opts CopyOptions, throttle Throttle) *CopySession {
	buf := &bytes.Buffer{}
	s := newSession(client, readerID, filename, nopCloser{buf}, opts, throttle)
	s.buf = buf
	return s
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// fileSink buffers writes to a file; Close flushes then closes.
type fileSink struct {
	f *os.File
	w *bufio.Writer
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *fileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// OnBytes registers a callback receiving the size of every chunk written. Must be called before Start.
func (s *CopySession) OnBytes(fn func(n int)) {
	s.onBytes = fn
}

// Start issues the first request.
func (s *CopySession) Start() {
	s.sendNextRPC()
}

func (s *CopySession) sendNextRPC() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if s.finished {
		return
	}

	count := s.opts.ChunkSize
	if s.throttle != nil {
		count = s.throttle.ThrottledByThroughput(count)
		if count == 0 {
			// an empty throttle is not a failure
			s.timer = time.AfterFunc(s.opts.RetryInterval, s.sendNextRPC)
			return
		}
	}

	req := s.req
	req.Offset = s.offset
	req.Count = count

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	s.cancelInflight = cancel
	go func() {
		resp, err := s.client.GetFile(ctx, &req)
		cancel()
		s.onRPCReturned(&req, resp, err)
	}()
}

func (s *CopySession) onRPCReturned(req *proto.GetFileRequest, resp *proto.GetFileResponse, err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.cancelInflight = nil

	if err != nil {
		if raft.CodeOf(err) == raft.CodeCanceled {
			s.resolveLocked(raft.NewStatus(raft.CodeCanceled, "copy %s canceled: %v", req.Filename, err))
			s.mu.Unlock()
			s.finish()
			return
		}

		s.retries++
		if s.retries >= s.opts.MaxRetry {
			s.log.Errorf("[SNAPSHOT] GetFile failed %d times at offset %d, giving up: %v", s.retries, req.Offset, err)
			s.resolveLocked(raft.NewStatus(raft.CodeIO, "copy %s failed after %d attempts: %v", req.Filename, s.retries, err))
			s.mu.Unlock()
			s.finish()
			return
		}

		s.log.Warnf("[SNAPSHOT] GetFile failed at offset %d (attempt %d): %v", req.Offset, s.retries, err)
		s.timer = time.AfterFunc(s.opts.RetryInterval, s.sendNextRPC)
		s.mu.Unlock()
		return
	}

	s.retries = 0
	if len(resp.Data) > 0 {
		if _, werr := s.dest.Write(resp.Data); werr != nil {
			s.resolveLocked(raft.NewStatus(raft.CodeIO, "write %s: %v", req.Filename, werr))
			s.mu.Unlock()
			s.finish()
			return
		}
		if s.onBytes != nil {
			s.onBytes(len(resp.Data))
		}
	}
	s.offset += uint64(len(resp.Data))

	if resp.Eof {
		s.resolveLocked(nil)
		s.mu.Unlock()
		s.finish()
		return
	}
	s.mu.Unlock()

	s.sendNextRPC()
}

// resolveLocked marks the session finished; the first status set wins.
func (s *CopySession) resolveLocked(status error) {
	if s.status == nil {
		s.status = status
	}
	s.finished = true
}

func (s *CopySession) finish() {
	s.finishOnce.Do(func() {
		if err := s.dest.Close(); err != nil {
			s.mu.Lock()
			if s.status == nil {
				s.status = raft.NewStatus(raft.CodeIO, "close %s: %v", s.req.Filename, err)
			}
			s.mu.Unlock()
		}
		close(s.done)
	})
}

// Cancel stops the copy. It is safe to call at any time, any number of times.
func (s *CopySession) Cancel() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelInflight != nil {
		s.cancelInflight()
		s.cancelInflight = nil
	}
	s.resolveLocked(raft.NewStatus(raft.CodeCanceled, "copy %s canceled", s.req.Filename))
	s.mu.Unlock()

	s.finish()
}

// Join blocks until the session is resolved.
func (s *CopySession) Join() {
	<-s.done
}

// Wait blocks until the session is resolved or ctx is done, and returns the session status.
func (s *CopySession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Status()
	case <-ctx.Done():
		return fmt.Errorf("waiting for snapshot copy: %w", ctx.Err())
	}
}

// Done is closed once the session is resolved.
func (s *CopySession) Done() <-chan struct{} {
	return s.done
}

// Status is nil while running and after success.
func (s *CopySession) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Bytes returns the copied content of a buffer session once it is resolved.
func (s *CopySession) Bytes() []byte {
	<-s.done
	if s.buf == nil {
		return nil
	}
	return s.buf.Bytes()
}
