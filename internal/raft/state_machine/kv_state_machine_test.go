package state_machine

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft/proto"
)

func cmd(index uint64, command string) *proto.LogEntry {
	return &proto.LogEntry{Index: index, Term: 1, Type: proto.LogEntryType_LOG_COMMAND, Data: []byte(command)}
}

func TestNewKVStateMachine(t *testing.T) {
	sm := NewKVStateMachine("test-server")

	assert.NotNil(t, sm.store)
	assert.Equal(t, "test-server", sm.id)
	assert.Len(t, sm.store, 0)
}

func TestKVStateMachine_Apply_SET(t *testing.T) {
	sm := NewKVStateMachine("test-server")

	t.Run("applies SET command", func(t *testing.T) {
		sm.Apply([]*proto.LogEntry{cmd(1, "SET key1=value1")})

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "value1", value)
	})

	t.Run("overwrites existing key", func(t *testing.T) {
		sm.Apply([]*proto.LogEntry{cmd(2, "SET key1=new_value")})

		value, ok := sm.Get("key1")
		assert.True(t, ok)
		assert.Equal(t, "new_value", value)
	})

	t.Run("value may contain equals sign", func(t *testing.T) {
		sm.Apply([]*proto.LogEntry{cmd(3, "SET expr=a=b")})

		value, _ := sm.Get("expr")
		assert.Equal(t, "a=b", value)
	})
}

func TestKVStateMachine_Apply_DEL(t *testing.T) {
	sm := NewKVStateMachine("test-server")
	sm.Apply([]*proto.LogEntry{cmd(1, "SET key1=value1"), cmd(2, "SET key2=value2"), cmd(3, "DEL key1")})

	_, ok := sm.Get("key1")
	assert.False(t, ok)
	value, ok := sm.Get("key2")
	assert.True(t, ok)
	assert.Equal(t, "value2", value)

	// Should not panic
	sm.Apply([]*proto.LogEntry{cmd(4, "DEL nonexistent")})
}

func TestKVStateMachine_Apply_InvalidCommands(t *testing.T) {
	sm := NewKVStateMachine("test-server")

	sm.Apply([]*proto.LogEntry{
		cmd(1, ""),
		cmd(2, "UNKNOWN key=value"),
		cmd(3, "SET"),
		cmd(4, "SET invalid"),
		cmd(5, "DEL"),
	})

	assert.Empty(t, sm.GetAll())
}

func TestKVStateMachine_Apply_SkipsNonCommandEntries(t *testing.T) {
	sm := NewKVStateMachine("test-server")

	sm.Apply([]*proto.LogEntry{
		{Index: 1, Term: 1, Type: proto.LogEntryType_LOG_NO_OP},
		{Index: 2, Term: 1, Type: proto.LogEntryType_LOG_CONFIGURATION, Peers: []string{"127.0.0.1:8081"}, Data: []byte("SET bogus=1")},
		cmd(3, "SET key1=value1"),
	})

	all := sm.GetAll()
	assert.Equal(t, map[string]string{"key1": "value1"}, all)
}

func TestKVStateMachine_GetAll(t *testing.T) {
	sm := NewKVStateMachine("test-server")
	sm.Apply([]*proto.LogEntry{cmd(1, "SET key1=value1")})

	all := sm.GetAll()
	all["key1"] = "modified"

	value, _ := sm.Get("key1")
	assert.Equal(t, "value1", value)
}

func TestKVStateMachine_CaseInsensitiveCommands(t *testing.T) {
	sm := NewKVStateMachine("test-server")

	sm.Apply([]*proto.LogEntry{cmd(1, "set key1=value1"), cmd(2, "del key1"), cmd(3, "SeT key2=value2")})

	_, ok := sm.Get("key1")
	assert.False(t, ok)
	value, ok := sm.Get("key2")
	assert.True(t, ok)
	assert.Equal(t, "value2", value)
}

func TestKVStateMachine_SnapshotRestore(t *testing.T) {
	sm := NewKVStateMachine("leader")
	sm.Apply([]*proto.LogEntry{cmd(1, "SET a=1"), cmd(2, "SET b=2")})

	var buf bytes.Buffer
	require.NoError(t, sm.Snapshot(&buf))

	follower := NewKVStateMachine("follower")
	follower.Apply([]*proto.LogEntry{cmd(1, "SET stale=yes")})
	require.NoError(t, follower.Restore(&buf))

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, follower.GetAll())

	t.Run("rejects garbage", func(t *testing.T) {
		err := follower.Restore(strings.NewReader("not json"))
		assert.Error(t, err)
		assert.Len(t, follower.GetAll(), 2)
	})
}

func TestKVStateMachine_Concurrency(t *testing.T) {
	sm := NewKVStateMachine("test-server")
	sm.Apply([]*proto.LogEntry{cmd(1, "SET shared=initial")})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sm.Get("shared")
			sm.GetAll()
		}()
		go func(idx int) {
			defer wg.Done()
			sm.Apply([]*proto.LogEntry{cmd(uint64(1000+idx), fmt.Sprintf("SET key%d=value", idx))})
		}(i)
	}
	wg.Wait()

	assert.Len(t, sm.GetAll(), 51)
}
