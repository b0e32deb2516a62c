package mocks

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"raftd/internal/raft/proto"
)

// MockStateMachine records applied entries. Its snapshot is the count of applied command entries.
type MockStateMachine struct {
	mu             sync.RWMutex
	AppliedLogs    []*proto.LogEntry
	ApplyCallCount int
	Restored       int
	SnapshotError  error
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{}
}

func (m *MockStateMachine) Apply(entries []*proto.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedLogs = append(m.AppliedLogs, entries...)
	m.ApplyCallCount++
}

func (m *MockStateMachine) Snapshot(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.SnapshotError != nil {
		return m.SnapshotError
	}
	return binary.Write(w, binary.BigEndian, uint64(len(m.AppliedLogs)))
}

func (m *MockStateMachine) Restore(r io.Reader) error {
	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return errors.Join(errors.New("mock restore"), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppliedLogs = nil
	m.Restored++
	return nil
}

// GetAppliedLogs returns a copy of all applied logs
func (m *MockStateMachine) GetAppliedLogs() []*proto.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*proto.LogEntry, len(m.AppliedLogs))
	copy(result, m.AppliedLogs)
	return result
}

// AppliedData returns the payloads of applied command entries, in order
func (m *MockStateMachine) AppliedData() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out [][]byte
	for _, e := range m.AppliedLogs {
		if e.Type == proto.LogEntryType_LOG_COMMAND {
			out = append(out, bytes.Clone(e.Data))
		}
	}
	return out
}

// RestoreCount returns how many snapshots were loaded
func (m *MockStateMachine) RestoreCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Restored
}
