package mocks

import (
	"sync"
	"time"
)

// MockMetricsCollector is a mock implementation of server.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                     sync.RWMutex
	CommandLatencies       []time.Duration
	CommandsCommittedCount int
	AppendEntriesCount     int
	PreVoteCount           int
	RequestVoteCount       int
	HeartbeatCount         int
	ReadIndexCount         int
	ElectionCount          int
	ElectionDurations      []time.Duration
	SnapshotBytes          int
}

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{}
}

func (m *MockMetricsCollector) RecordCommandLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandLatencies = append(m.CommandLatencies, latency)
}

func (m *MockMetricsCollector) RecordCommandCommitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsCommittedCount++
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordPreVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PreVoteCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordReadIndex() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadIndexCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) RecordSnapshotBytes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotBytes += n
}

// Elections returns how many elections were recorded
func (m *MockMetricsCollector) Elections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ElectionCount
}

// Committed returns how many commands were recorded as committed
func (m *MockMetricsCollector) Committed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CommandsCommittedCount
}
