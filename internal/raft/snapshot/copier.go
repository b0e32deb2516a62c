package snapshot

import (
	"context"
	"fmt"
	"strings"

	"raftd/internal/raft"
)

const uriScheme = "remote://"

// FormatURI builds the address of a snapshot registered with a FileService, as sent in InstallSnapshot.
func FormatURI(addr raft.PeerID, readerID string) string {
	return uriScheme + addr.String() + "/" + readerID
}

// ParseURI splits a snapshot URI into the serving peer and the reader id.
func ParseURI(uri string) (raft.PeerID, string, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return raft.PeerID{}, "", raft.NewStatus(raft.CodeInvalid, "snapshot uri %q: missing %s", uri, uriScheme)
	}
	addr, readerID, ok := strings.Cut(rest, "/")
	if !ok || readerID == "" {
		return raft.PeerID{}, "", raft.NewStatus(raft.CodeInvalid, "snapshot uri %q: missing reader id", uri)
	}
	peer, err := raft.ParsePeerID(addr)
	if err != nil {
		return raft.PeerID{}, "", err
	}
	return peer, readerID, nil
}

// Copier creates copy sessions against the snapshot named by one URI.
type Copier struct {
	client   FileClient
	readerID string
	opts     CopyOptions
	throttle Throttle
	onBytes  func(n int)
}

// NewCopier resolves uri and obtains a client for its peer through dial.
func NewCopier(uri string, dial func(raft.PeerID) (FileClient, error), opts CopyOptions, throttle Throttle) (*Copier, error) {
	peer, readerID, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := dial(peer)
	if err != nil {
		return nil, fmt.Errorf("dial snapshot source %s: %w", peer, err)
	}
	return &Copier{client: client, readerID: readerID, opts: opts, throttle: throttle}, nil
}

// OnBytes registers a callback for every chunk any session of this copier writes.
func (c *Copier) OnBytes(fn func(n int)) {
	c.onBytes = fn
}

// CopyToFile starts copying the remote file into destPath.
func (c *Copier) CopyToFile(filename, destPath string) (*CopySession, error) {
	sink, err := newFileSink(destPath)
	if err != nil {
		return nil, raft.NewStatus(raft.CodeIO, "create %s: %v", destPath, err)
	}
	s := NewCopySession(c.client, c.readerID, filename, sink, c.opts, c.throttle)
	s.OnBytes(c.onBytes)
	s.Start()
	return s, nil
}

// CopyToBuffer starts copying the remote file into memory.
func (c *Copier) CopyToBuffer(filename string) *CopySession {
	s := NewBufferCopySession(c.client, c.readerID, filename, c.opts, c.throttle)
	s.OnBytes(c.onBytes)
	s.Start()
	return s
}

// Copy copies the remote file into destPath and waits for the result. The session is cancelled if ctx ends
// first.
func (c *Copier) Copy(ctx context.Context, filename, destPath string) error {
	s, err := c.CopyToFile(filename, destPath)
	if err != nil {
		return err
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel()
		s.Join()
	}
	return s.Status()
}
