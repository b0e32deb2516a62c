package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

// maxReadSize caps a single GetFile response.
const maxReadSize = 1 << 20

// FileService serves the files of registered snapshot directories to peers copying them.
type FileService struct {
	mu      sync.RWMutex
	readers map[string]string
}

func NewFileService() *FileService {
	return &FileService{readers: make(map[string]string)}
}

// AddReader exposes dir and returns the reader id peers must use.
func (s *FileService) AddReader(dir string) string {
	id := uuid.NewString()

	s.mu.Lock()
	s.readers[id] = dir
	s.mu.Unlock()

	log.Debugf("[FILE-SERVICE] Registered reader %s for %s", id, dir)
	return id
}

func (s *FileService) RemoveReader(id string) {
	s.mu.Lock()
	delete(s.readers, id)
	s.mu.Unlock()
}

func (s *FileService) GetFile(_ context.Context, req *proto.GetFileRequest) (*proto.GetFileResponse, error) {
	s.mu.RLock()
	dir, ok := s.readers[req.ReaderId]
	s.mu.RUnlock()
	if !ok {
		return nil, raft.NewStatus(raft.CodeInvalid, "reader %s not found", req.ReaderId)
	}
	if req.Count == 0 {
		return nil, raft.NewStatus(raft.CodeInvalid, "invalid read count 0")
	}
	if req.Filename == "" || filepath.Base(req.Filename) != req.Filename {
		return nil, raft.NewStatus(raft.CodeInvalid, "invalid file name %q", req.Filename)
	}

	f, err := os.Open(filepath.Join(dir, req.Filename))
	if err != nil {
		return nil, raft.NewStatus(raft.CodeIO, "open %s: %v", req.Filename, err)
	}
	defer f.Close()

	count := req.Count
	if req.ReadPartly {
		count = min(count, maxReadSize)
	}
	buf := make([]byte, count)
	n, err := f.ReadAt(buf, int64(req.Offset))
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return nil, raft.NewStatus(raft.CodeIO, "read %s at %d: %v", req.Filename, req.Offset, err)
	}

	if !eof {
		info, err := f.Stat()
		if err != nil {
			return nil, raft.NewStatus(raft.CodeIO, "stat %s: %v", req.Filename, err)
		}
		eof = req.Offset+uint64(n) >= uint64(info.Size())
	}

	return &proto.GetFileResponse{Data: buf[:n], ReadSize: uint64(n), Eof: eof}, nil
}
