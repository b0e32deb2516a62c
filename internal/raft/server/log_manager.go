package server

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
	"raftd/internal/raft/storage"
)

// confScanBatch is how many entries are read at a time when rebuilding the configuration history on start.
const confScanBatch = 1024

// logManager caches the bounds of the durable log and the configuration history found in it. The node loop is
// the only writer; replicators and the FSM caller read concurrently.
type logManager struct {
	mu    sync.RWMutex
	store storage.LogStorage

	firstIndex uint64
	lastIndex  uint64
	// the log position the latest snapshot replaces up to
	snapshotID raft.LogID
	// configuration entries in index order; the first one may come from the snapshot
	confs []raft.ConfigurationEntry
	// closed and replaced on every append
	newLogs chan struct{}
}

func newLogManager(store storage.LogStorage) *logManager {
	return &logManager{store: store, newLogs: make(chan struct{})}
}

// init loads the log bounds, discards entries a snapshot already covers and rebuilds the configuration history.
func (m *logManager) init(snapshotID raft.LogID, snapshotConf raft.ConfigurationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	first, err := m.store.GetFirstIndex()
	if err != nil {
		return fmt.Errorf("read first log index: %w", err)
	}
	last, err := m.store.GetLastIndex()
	if err != nil {
		return fmt.Errorf("read last log index: %w", err)
	}
	m.firstIndex, m.lastIndex = first, last

	if snapshotID.Index > 0 {
		m.snapshotID = snapshotID
		switch {
		case m.lastIndex < snapshotID.Index:
			if err := m.store.Reset(snapshotID.Index + 1); err != nil {
				return fmt.Errorf("reset log to snapshot %v: %w", snapshotID, err)
			}
			m.firstIndex, m.lastIndex = snapshotID.Index+1, snapshotID.Index
		case m.firstIndex <= snapshotID.Index:
			if err := m.store.DeleteEntriesBefore(snapshotID.Index + 1); err != nil {
				return fmt.Errorf("truncate log prefix to snapshot %v: %w", snapshotID, err)
			}
			m.firstIndex = snapshotID.Index + 1
		}
		if !snapshotConf.IsEmpty() {
			m.confs = append(m.confs, snapshotConf)
		}
	}

	for from := m.firstIndex; from <= m.lastIndex; from += confScanBatch {
		entries, err := m.store.GetEntries(from, min(from+confScanBatch-1, m.lastIndex))
		if err != nil {
			return fmt.Errorf("scan log from %d: %w", from, err)
		}
		for _, e := range entries {
			m.trackConf(e)
		}
	}
	return nil
}

// confEntryOf decodes the configuration carried by a LOG_CONFIGURATION entry.
func confEntryOf(e *proto.LogEntry) (raft.ConfigurationEntry, error) {
	conf, err := raft.ParseConfiguration(e.Peers)
	if err != nil {
		return raft.ConfigurationEntry{}, err
	}
	oldConf, err := raft.ParseConfiguration(e.OldPeers)
	if err != nil {
		return raft.ConfigurationEntry{}, err
	}
	return raft.ConfigurationEntry{ID: raft.LogID{Index: e.Index, Term: e.Term}, Conf: conf, OldConf: oldConf}, nil
}

// trackConf must be called with mu held.
func (m *logManager) trackConf(e *proto.LogEntry) {
	if e.Type != proto.LogEntryType_LOG_CONFIGURATION {
		return
	}
	entry, err := confEntryOf(e)
	if err != nil {
		log.Warnf("[LOG] Skipping malformed configuration entry at %d: %v", e.Index, err)
		return
	}
	m.confs = append(m.confs, entry)
}

func (m *logManager) firstLogIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstIndex
}

func (m *logManager) lastLogIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex
}

func (m *logManager) lastSnapshotID() raft.LogID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotID
}

// lastLogID is the position of the last entry, or of the snapshot when the log is empty.
func (m *logManager) lastLogID() raft.LogID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return raft.LogID{Index: m.lastIndex, Term: m.termLocked(m.lastIndex)}
}

// term returns the term of the entry at index, or 0 when it is unknown (beyond the log, or compacted).
func (m *logManager) term(index uint64) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.termLocked(index)
}

func (m *logManager) termLocked(index uint64) uint64 {
	switch {
	case index == 0:
		return 0
	case index == m.snapshotID.Index:
		return m.snapshotID.Term
	case index < m.firstIndex || index > m.lastIndex:
		return 0
	}
	e, err := m.store.GetEntry(index)
	if err != nil {
		log.Warnf("[LOG] Failed to read term at %d: %v", index, err)
		return 0
	}
	return e.Term
}

func (m *logManager) entry(index uint64) (*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < m.firstIndex || index > m.lastIndex {
		return nil, fmt.Errorf("entry %d outside [%d, %d]: %w", index, m.firstIndex, m.lastIndex, raft.ErrLogIndexOutOfRange)
	}
	return m.store.GetEntry(index)
}

// entries returns up to maxCount entries starting at from. It fails with ErrLogIndexOutOfRange when from has
// been compacted away.
func (m *logManager) entries(from uint64, maxCount int) ([]*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from < m.firstIndex {
		return nil, fmt.Errorf("entry %d compacted, log starts at %d: %w", from, m.firstIndex, raft.ErrLogIndexOutOfRange)
	}
	if from > m.lastIndex {
		return nil, nil
	}
	to := min(m.lastIndex, from+uint64(maxCount)-1)
	return m.store.GetEntries(from, to)
}

// appendEntries durably appends entries that continue the log at lastIndex+1.
func (m *logManager) appendEntries(entries []*proto.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(entries)
}

func (m *logManager) appendLocked(entries []*proto.LogEntry) error {
	if entries[0].Index != m.lastIndex+1 {
		return fmt.Errorf("append at %d does not continue the log ending at %d", entries[0].Index, m.lastIndex)
	}
	if err := m.store.AppendEntries(entries); err != nil {
		return err
	}
	m.lastIndex = entries[len(entries)-1].Index
	for _, e := range entries {
		m.trackConf(e)
	}
	close(m.newLogs)
	m.newLogs = make(chan struct{})
	return nil
}

// errCommittedConflict means a leader sent an entry that contradicts a committed one.
var errCommittedConflict = errors.New("conflicting entry below the commit index")

// appendFollowerEntries merges entries received from the leader (Section 5.3): entries already present with
// the same term are kept, the first conflicting one truncates the log from its index, and the rest is
// appended. Entries covered by the snapshot are skipped.
func (m *logManager) appendFollowerEntries(entries []*proto.LogEntry, committedIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range entries {
		if e.Index < m.firstIndex {
			continue
		}
		if e.Index <= m.lastIndex {
			if m.termLocked(e.Index) == e.Term {
				continue
			}
			if e.Index <= committedIndex {
				return fmt.Errorf("%w: index %d term %d", errCommittedConflict, e.Index, e.Term)
			}
			if err := m.truncateSuffixLocked(e.Index); err != nil {
				return err
			}
		}
		return m.appendLocked(entries[i:])
	}
	return nil
}

// truncateSuffixLocked drops [from, lastIndex] and the configurations they carried.
func (m *logManager) truncateSuffixLocked(from uint64) error {
	if err := m.store.DeleteEntriesFrom(from); err != nil {
		return fmt.Errorf("truncate log suffix from %d: %w", from, err)
	}
	log.Infof("[LOG] Truncated log suffix [%d, %d]", from, m.lastIndex)
	m.lastIndex = from - 1
	n := len(m.confs)
	for n > 0 && m.confs[n-1].ID.Index >= from {
		n--
	}
	m.confs = m.confs[:n]
	return nil
}

// setSnapshot records a local snapshot and discards the log prefix it covers.
func (m *logManager) setSnapshot(id raft.LogID, conf raft.ConfigurationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id.Index <= m.snapshotID.Index {
		return nil
	}
	if err := m.store.DeleteEntriesBefore(id.Index + 1); err != nil {
		return fmt.Errorf("truncate log prefix to %d: %w", id.Index+1, err)
	}
	m.snapshotID = id
	m.firstIndex = id.Index + 1
	if m.lastIndex < id.Index {
		m.lastIndex = id.Index
	}
	m.dropConfsBefore(id.Index+1, conf)
	return nil
}

// installSnapshot replaces the log with a snapshot received from the leader. When the log already holds the
// snapshot's last entry with the same term, the suffix after it is kept; otherwise the whole log is dropped.
func (m *logManager) installSnapshot(id raft.LogID, conf raft.ConfigurationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id.Index >= m.firstIndex && id.Index <= m.lastIndex && m.termLocked(id.Index) == id.Term {
		if err := m.store.DeleteEntriesBefore(id.Index + 1); err != nil {
			return fmt.Errorf("truncate log prefix to %d: %w", id.Index+1, err)
		}
		m.snapshotID = id
		m.firstIndex = id.Index + 1
		m.dropConfsBefore(id.Index+1, conf)
		return nil
	}

	if err := m.store.Reset(id.Index + 1); err != nil {
		return fmt.Errorf("reset log to %d: %w", id.Index+1, err)
	}
	m.snapshotID = id
	m.firstIndex, m.lastIndex = id.Index+1, id.Index
	m.confs = nil
	if !conf.IsEmpty() {
		m.confs = append(m.confs, conf)
	}
	close(m.newLogs)
	m.newLogs = make(chan struct{})
	return nil
}

// dropConfsBefore keeps the configurations at or after firstKept, preceded by conf, the one in effect at the
// snapshot.
func (m *logManager) dropConfsBefore(firstKept uint64, conf raft.ConfigurationEntry) {
	kept := make([]raft.ConfigurationEntry, 0, len(m.confs)+1)
	if !conf.IsEmpty() {
		kept = append(kept, conf)
	}
	for _, c := range m.confs {
		if c.ID.Index >= firstKept {
			kept = append(kept, c)
		}
	}
	m.confs = kept
}

// lastConf is the newest configuration in the log, committed or not (Section 6: a server always uses the
// latest configuration in its log).
func (m *logManager) lastConf() raft.ConfigurationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.confs) == 0 {
		return raft.ConfigurationEntry{}
	}
	return m.confs[len(m.confs)-1]
}

// confAt is the configuration in effect at index.
func (m *logManager) confAt(index uint64) raft.ConfigurationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.confs) - 1; i >= 0; i-- {
		if m.confs[i].ID.Index <= index {
			return m.confs[i]
		}
	}
	return raft.ConfigurationEntry{}
}

// waitNew returns a channel that is closed once the log grows past index.
func (m *logManager) waitNew(index uint64) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastIndex > index {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.newLogs
}
