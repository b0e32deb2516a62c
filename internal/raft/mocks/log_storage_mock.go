package mocks

import (
	"fmt"
	"sync"

	"raftd/internal/raft/proto"
	"raftd/internal/raft/storage"
)

// MockLogStorage is an in-memory storage.LogStorage and storage.MetaStorage for testing
type MockLogStorage struct {
	mu         sync.RWMutex
	entries    map[uint64]*proto.LogEntry
	firstIndex uint64
	lastIndex  uint64
	term       uint64
	votedFor   string

	// Error injection for testing
	AppendEntriesError      error
	GetEntryError           error
	DeleteEntriesFromError  error
	SetTermAndVotedForError error
}

var (
	_ storage.LogStorage  = (*MockLogStorage)(nil)
	_ storage.MetaStorage = (*MockLogStorage)(nil)
)

// NewMockLogStorage creates a new mock log storage
func NewMockLogStorage() *MockLogStorage {
	return &MockLogStorage{
		entries:    make(map[uint64]*proto.LogEntry),
		firstIndex: 1,
	}
}

func (m *MockLogStorage) AppendEntry(entry *proto.LogEntry) error {
	return m.AppendEntries([]*proto.LogEntry{entry})
}

func (m *MockLogStorage) AppendEntries(entries []*proto.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendEntriesError != nil {
		return m.AppendEntriesError
	}
	for _, entry := range entries {
		m.entries[entry.Index] = entry
		if entry.Index > m.lastIndex {
			m.lastIndex = entry.Index
		}
	}
	return nil
}

func (m *MockLogStorage) GetEntry(index uint64) (*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetEntryError != nil {
		return nil, m.GetEntryError
	}
	entry, ok := m.entries[index]
	if !ok {
		return nil, fmt.Errorf("index %d: %w", index, storage.ErrNotFound)
	}
	return entry, nil
}

func (m *MockLogStorage) GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.GetEntryError != nil {
		return nil, m.GetEntryError
	}

	var result []*proto.LogEntry
	for i := max(startIndex, m.firstIndex); i <= endIndex && i <= m.lastIndex; i++ {
		if entry, ok := m.entries[i]; ok {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (m *MockLogStorage) DeleteEntriesFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteEntriesFromError != nil {
		return m.DeleteEntriesFromError
	}
	for i := index; i <= m.lastIndex; i++ {
		delete(m.entries, i)
	}
	if index <= m.lastIndex {
		m.lastIndex = max(index, m.firstIndex) - 1
	}
	return nil
}

func (m *MockLogStorage) DeleteEntriesBefore(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := m.firstIndex; i < index; i++ {
		delete(m.entries, i)
	}
	if index > m.firstIndex {
		m.firstIndex = index
	}
	if m.lastIndex < m.firstIndex {
		m.lastIndex = m.firstIndex - 1
	}
	return nil
}

func (m *MockLogStorage) Reset(nextIndex uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[uint64]*proto.LogEntry)
	m.firstIndex = nextIndex
	m.lastIndex = nextIndex - 1
	return nil
}

func (m *MockLogStorage) GetFirstIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstIndex, nil
}

func (m *MockLogStorage) GetLastIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex, nil
}

func (m *MockLogStorage) GetTermAndVotedFor() (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, m.votedFor, nil
}

func (m *MockLogStorage) SetTermAndVotedFor(term uint64, votedFor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SetTermAndVotedForError != nil {
		return m.SetTermAndVotedForError
	}
	m.term = term
	m.votedFor = votedFor
	return nil
}

// SetAppendEntriesError injects a failure for subsequent appends
func (m *MockLogStorage) SetAppendEntriesError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesError = err
}

func (m *MockLogStorage) Close() error {
	return nil
}
