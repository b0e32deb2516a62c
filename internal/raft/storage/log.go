package storage

import (
	"errors"

	"raftd/internal/raft/proto"
)

/*
Section 5.2: currentTerm and votedFor are updated on stable storage before responding to RPCs. Both live in one
record so a crash can never leave a vote recorded against the wrong term.

Section 7: once a snapshot covers a prefix of the log, that prefix is discarded. The log therefore starts at an
arbitrary FirstIndex, and an empty log still remembers where the next entry goes.
*/

// ErrNotFound is returned when an entry is outside [FirstIndex, LastIndex].
var ErrNotFound = errors.New("log entry not found")

// LogStorage is the durable, index-addressed replicated log.
type LogStorage interface {
	// AppendEntry appends a single log entry to the log
	AppendEntry(entry *proto.LogEntry) error

	// AppendEntries appends multiple log entries in one durable write
	AppendEntries(entries []*proto.LogEntry) error

	// GetEntry retrieves a log entry at the specified index, or ErrNotFound
	GetEntry(index uint64) (*proto.LogEntry, error)

	// GetEntries retrieves log entries from startIndex (inclusive) to endIndex (inclusive)
	GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error)

	// DeleteEntriesFrom deletes all log entries starting from the given index (inclusive).
	// This is used to resolve log conflicts as per Section 5.3
	DeleteEntriesFrom(index uint64) error

	// DeleteEntriesBefore discards the prefix below index after a snapshot
	DeleteEntriesBefore(index uint64) error

	// Reset drops every entry; the next appended entry is expected at nextIndex
	Reset(nextIndex uint64) error

	// GetFirstIndex returns the index of the first entry, or the next expected index if the log is empty
	GetFirstIndex() (uint64, error)

	// GetLastIndex returns the index of the last log entry (GetFirstIndex()-1 if log is empty)
	GetLastIndex() (uint64, error)

	Close() error
}

// MetaStorage holds the persistent election state.
type MetaStorage interface {
	// GetTermAndVotedFor returns the current term and the peer voted for in it ("" if none)
	GetTermAndVotedFor() (uint64, string, error)

	// SetTermAndVotedFor persists both values atomically
	SetTermAndVotedFor(term uint64, votedFor string) error
}
