package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

const (
	// MetaFile holds the protowire encoded SnapshotMeta of a snapshot directory
	MetaFile = "__raft_snapshot_meta"
	// DataFile holds the state machine image
	DataFile = "data"

	dirPrefix = "snapshot_"
	tempDir   = "temp"
)

// Snapshot is a committed snapshot directory.
type Snapshot struct {
	Dir  string
	Meta *proto.SnapshotMeta
}

// Path returns the location of one of the snapshot files.
func (s *Snapshot) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// LastIncluded is the log position the snapshot replaces up to.
func (s *Snapshot) LastIncluded() raft.LogID {
	return raft.LogID{Index: s.Meta.LastIncludedIndex, Term: s.Meta.LastIncludedTerm}
}

// Store keeps the snapshots of one node under a directory, one snapshot_<index> directory each. Only the
// newest committed snapshot is retained.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	// a leftover temp dir is an interrupted save or install
	if err := os.RemoveAll(filepath.Join(dir, tempDir)); err != nil {
		return nil, fmt.Errorf("clean snapshot temp dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Latest returns the newest committed snapshot, or nil when there is none.
func (s *Store) Latest() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexes, err := s.list()
	if err != nil || len(indexes) == 0 {
		return nil, err
	}
	dir := filepath.Join(s.dir, dirPrefix+strconv.FormatUint(indexes[len(indexes)-1], 10))
	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Dir: dir, Meta: meta}, nil
}

// list returns the indexes of committed snapshots, ascending
func (s *Store) list() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var indexes []uint64
	for _, e := range entries {
		name, ok := strings.CutPrefix(e.Name(), dirPrefix)
		if !ok || !e.IsDir() {
			continue
		}
		idx, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, e.Name(), MetaFile)); err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// Writer stages a snapshot until Commit.
type Writer struct {
	store *Store
	Dir   string
}

// Create starts a new snapshot in the temp directory, discarding any unfinished one.
func (s *Store) Create() (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, tempDir)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset snapshot temp dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot temp dir: %w", err)
	}
	return &Writer{store: s, Dir: dir}, nil
}

func (w *Writer) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// Commit writes meta and atomically publishes the snapshot, then deletes the older ones.
func (w *Writer) Commit(meta *proto.SnapshotMeta) (*Snapshot, error) {
	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := meta.Marshal()
	if err != nil {
		return nil, err
	}
	if err := writeFileSync(filepath.Join(w.Dir, MetaFile), data); err != nil {
		return nil, fmt.Errorf("write snapshot meta: %w", err)
	}

	final := filepath.Join(s.dir, dirPrefix+strconv.FormatUint(meta.LastIncludedIndex, 10))
	if err := os.RemoveAll(final); err != nil {
		return nil, err
	}
	if err := os.Rename(w.Dir, final); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}

	indexes, err := s.list()
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		if idx < meta.LastIncludedIndex {
			old := filepath.Join(s.dir, dirPrefix+strconv.FormatUint(idx, 10))
			if err := os.RemoveAll(old); err != nil {
				log.Warnf("[SNAPSHOT] Failed to remove old snapshot %s: %v", old, err)
			}
		}
	}
	return &Snapshot{Dir: final, Meta: meta}, nil
}

// Abort drops the staged snapshot.
func (w *Writer) Abort() {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	_ = os.RemoveAll(w.Dir)
}

func readMeta(dir string) (*proto.SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, fmt.Errorf("read snapshot meta: %w", err)
	}
	meta := &proto.SnapshotMeta{}
	if err := meta.Unmarshal(data); err != nil {
		return nil, errors.Join(fmt.Errorf("corrupt snapshot meta in %s", dir), err)
	}
	return meta, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
