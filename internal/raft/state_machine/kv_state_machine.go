package state_machine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"raftd/internal/raft/proto"
)

// KVStateMachine is a simple key-value store that implements the StateMachine interface
type KVStateMachine struct {
	mu    sync.RWMutex
	store map[string]string
	id    string // Server ID for logging
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(serverID string) *KVStateMachine {
	return &KVStateMachine{
		store: make(map[string]string),
		id:    serverID,
	}
}

// Apply applies log entries to the state machine
// Commands are expected to be in the format: "SET key=value" or "DEL key"
func (kv *KVStateMachine) Apply(entries []*proto.LogEntry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, entry := range entries {
		if entry.Type != proto.LogEntryType_LOG_COMMAND {
			continue
		}

		command := string(entry.Data)
		parts := strings.Fields(command)
		if len(parts) == 0 {
			continue
		}

		switch strings.ToUpper(parts[0]) {
		case "SET":
			if len(parts) < 2 {
				continue
			}
			kvPair := strings.SplitN(parts[1], "=", 2)
			if len(kvPair) != 2 {
				continue
			}
			kv.store[kvPair[0]] = kvPair[1]
			log.Debugf("[KV-SM-%s] Applied SET: %s=%s (index=%d)", kv.id, kvPair[0], kvPair[1], entry.Index)
		case "DEL":
			if len(parts) < 2 {
				continue
			}
			delete(kv.store, parts[1])
			log.Debugf("[KV-SM-%s] Applied DEL: %s (index=%d)", kv.id, parts[1], entry.Index)
		default:
			log.Warnf("[KV-SM-%s] Unknown command: %s (index=%d)", kv.id, command, entry.Index)
		}
	}
}

// Get returns the value stored under key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// GetAll returns a copy of the whole store
func (kv *KVStateMachine) GetAll() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	out := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		out[k] = v
	}
	return out
}

func (kv *KVStateMachine) Snapshot(w io.Writer) error {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	if err := json.NewEncoder(w).Encode(kv.store); err != nil {
		return fmt.Errorf("failed to encode kv snapshot: %w", err)
	}
	return nil
}

func (kv *KVStateMachine) Restore(r io.Reader) error {
	store := make(map[string]string)
	if err := json.NewDecoder(r).Decode(&store); err != nil {
		return fmt.Errorf("failed to decode kv snapshot: %w", err)
	}

	kv.mu.Lock()
	kv.store = store
	kv.mu.Unlock()

	log.Infof("[KV-SM-%s] Restored %d keys from snapshot", kv.id, len(store))
	return nil
}
