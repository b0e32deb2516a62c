package proto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type LogEntryType int32

const (
	LogEntryType_LOG_UNKNOWN       LogEntryType = 0
	LogEntryType_LOG_NO_OP         LogEntryType = 1
	LogEntryType_LOG_COMMAND       LogEntryType = 2
	LogEntryType_LOG_CONFIGURATION LogEntryType = 3
)

func (t LogEntryType) String() string {
	switch t {
	case LogEntryType_LOG_NO_OP:
		return "NO_OP"
	case LogEntryType_LOG_COMMAND:
		return "COMMAND"
	case LogEntryType_LOG_CONFIGURATION:
		return "CONFIGURATION"
	default:
		return "UNKNOWN"
	}
}

// LogEntry is a single replicated record. Configuration entries carry the new peer list and, while joint, the
// old one.
type LogEntry struct {
	Index    uint64
	Term     uint64
	Type     LogEntryType
	Data     []byte
	Peers    []string
	OldPeers []string
}

func (m *LogEntry) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Index)
	e.uint64(2, m.Term)
	e.uint64(3, uint64(m.Type))
	e.bytes(4, m.Data)
	e.strings(5, m.Peers)
	e.strings(6, m.OldPeers)
	return e.b, nil
}

func (m *LogEntry) Unmarshal(b []byte) error {
	*m = LogEntry{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Index, n, err = consumeUint64(typ, b)
		case 2:
			m.Term, n, err = consumeUint64(typ, b)
		case 3:
			var v uint64
			v, n, err = consumeUint64(typ, b)
			m.Type = LogEntryType(v)
		case 4:
			m.Data, n, err = consumeBytes(typ, b)
		case 5:
			var s string
			s, n, err = consumeString(typ, b)
			m.Peers = append(m.Peers, s)
		case 6:
			var s string
			s, n, err = consumeString(typ, b)
			m.OldPeers = append(m.OldPeers, s)
		}
		return n, err
	})
}

type RequestVoteRequest struct {
	GroupId      string
	ServerId     string
	PeerId       string
	Term         uint64
	LastLogIndex uint64
	LastLogTerm  uint64
	PreVote      bool
	// LeaderStale is set on a pre-vote whose sender already knows the leader it followed is gone
	LeaderStale  bool
}

func (m *RequestVoteRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.string(2, m.ServerId)
	e.string(3, m.PeerId)
	e.uint64(4, m.Term)
	e.uint64(5, m.LastLogIndex)
	e.uint64(6, m.LastLogTerm)
	e.bool(7, m.PreVote)
	e.bool(8, m.LeaderStale)
	return e.b, nil
}

func (m *RequestVoteRequest) Unmarshal(b []byte) error {
	*m = RequestVoteRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.ServerId, n, err = consumeString(typ, b)
		case 3:
			m.PeerId, n, err = consumeString(typ, b)
		case 4:
			m.Term, n, err = consumeUint64(typ, b)
		case 5:
			m.LastLogIndex, n, err = consumeUint64(typ, b)
		case 6:
			m.LastLogTerm, n, err = consumeUint64(typ, b)
		case 7:
			m.PreVote, n, err = consumeBool(typ, b)
		case 8:
			m.LeaderStale, n, err = consumeBool(typ, b)
		}
		return n, err
	})
}

type RequestVoteResponse struct {
	Term    uint64
	Granted bool
}

func (m *RequestVoteResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Term)
	e.bool(2, m.Granted)
	return e.b, nil
}

func (m *RequestVoteResponse) Unmarshal(b []byte) error {
	*m = RequestVoteResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Term, n, err = consumeUint64(typ, b)
		case 2:
			m.Granted, n, err = consumeBool(typ, b)
		}
		return n, err
	})
}

// AppendEntriesRequest doubles as the heartbeat and the probe when Entries is empty.
type AppendEntriesRequest struct {
	GroupId        string
	ServerId       string
	PeerId         string
	Term           uint64
	PrevLogIndex   uint64
	PrevLogTerm    uint64
	CommittedIndex uint64
	Entries        []*LogEntry
}

func (m *AppendEntriesRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.string(2, m.ServerId)
	e.string(3, m.PeerId)
	e.uint64(4, m.Term)
	e.uint64(5, m.PrevLogIndex)
	e.uint64(6, m.PrevLogTerm)
	e.uint64(7, m.CommittedIndex)
	for _, entry := range m.Entries {
		if err := e.message(8, entry); err != nil {
			return nil, err
		}
	}
	return e.b, nil
}

func (m *AppendEntriesRequest) Unmarshal(b []byte) error {
	*m = AppendEntriesRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.ServerId, n, err = consumeString(typ, b)
		case 3:
			m.PeerId, n, err = consumeString(typ, b)
		case 4:
			m.Term, n, err = consumeUint64(typ, b)
		case 5:
			m.PrevLogIndex, n, err = consumeUint64(typ, b)
		case 6:
			m.PrevLogTerm, n, err = consumeUint64(typ, b)
		case 7:
			m.CommittedIndex, n, err = consumeUint64(typ, b)
		case 8:
			var raw []byte
			if raw, n, err = consumeBytes(typ, b); err != nil {
				return 0, err
			}
			entry := &LogEntry{}
			if err = entry.Unmarshal(raw); err != nil {
				return 0, err
			}
			m.Entries = append(m.Entries, entry)
		}
		return n, err
	})
}

type AppendEntriesResponse struct {
	Term         uint64
	Success      bool
	LastLogIndex uint64
}

func (m *AppendEntriesResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Term)
	e.bool(2, m.Success)
	e.uint64(3, m.LastLogIndex)
	return e.b, nil
}

func (m *AppendEntriesResponse) Unmarshal(b []byte) error {
	*m = AppendEntriesResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Term, n, err = consumeUint64(typ, b)
		case 2:
			m.Success, n, err = consumeBool(typ, b)
		case 3:
			m.LastLogIndex, n, err = consumeUint64(typ, b)
		}
		return n, err
	})
}

// SnapshotMeta describes the log prefix a snapshot replaces and the files it is made of.
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Peers             []string
	OldPeers          []string
	Files             []string
}

func (m *SnapshotMeta) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.LastIncludedIndex)
	e.uint64(2, m.LastIncludedTerm)
	e.strings(3, m.Peers)
	e.strings(4, m.OldPeers)
	e.strings(5, m.Files)
	return e.b, nil
}

func (m *SnapshotMeta) Unmarshal(b []byte) error {
	*m = SnapshotMeta{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var s string
		switch num {
		case 1:
			m.LastIncludedIndex, n, err = consumeUint64(typ, b)
		case 2:
			m.LastIncludedTerm, n, err = consumeUint64(typ, b)
		case 3:
			s, n, err = consumeString(typ, b)
			m.Peers = append(m.Peers, s)
		case 4:
			s, n, err = consumeString(typ, b)
			m.OldPeers = append(m.OldPeers, s)
		case 5:
			s, n, err = consumeString(typ, b)
			m.Files = append(m.Files, s)
		}
		return n, err
	})
}

type InstallSnapshotRequest struct {
	GroupId  string
	ServerId string
	PeerId   string
	Term     uint64
	Meta     *SnapshotMeta
	Uri      string
}

func (m *InstallSnapshotRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.string(2, m.ServerId)
	e.string(3, m.PeerId)
	e.uint64(4, m.Term)
	if m.Meta != nil {
		if err := e.message(5, m.Meta); err != nil {
			return nil, err
		}
	}
	e.string(6, m.Uri)
	return e.b, nil
}

func (m *InstallSnapshotRequest) Unmarshal(b []byte) error {
	*m = InstallSnapshotRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.ServerId, n, err = consumeString(typ, b)
		case 3:
			m.PeerId, n, err = consumeString(typ, b)
		case 4:
			m.Term, n, err = consumeUint64(typ, b)
		case 5:
			var raw []byte
			if raw, n, err = consumeBytes(typ, b); err != nil {
				return 0, err
			}
			m.Meta = &SnapshotMeta{}
			err = m.Meta.Unmarshal(raw)
		case 6:
			m.Uri, n, err = consumeString(typ, b)
		}
		return n, err
	})
}

type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
}

func (m *InstallSnapshotResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Term)
	e.bool(2, m.Success)
	return e.b, nil
}

func (m *InstallSnapshotResponse) Unmarshal(b []byte) error {
	*m = InstallSnapshotResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Term, n, err = consumeUint64(typ, b)
		case 2:
			m.Success, n, err = consumeBool(typ, b)
		}
		return n, err
	})
}

type TimeoutNowRequest struct {
	GroupId  string
	ServerId string
	PeerId   string
	Term     uint64
}

func (m *TimeoutNowRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.string(2, m.ServerId)
	e.string(3, m.PeerId)
	e.uint64(4, m.Term)
	return e.b, nil
}

func (m *TimeoutNowRequest) Unmarshal(b []byte) error {
	*m = TimeoutNowRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.ServerId, n, err = consumeString(typ, b)
		case 3:
			m.PeerId, n, err = consumeString(typ, b)
		case 4:
			m.Term, n, err = consumeUint64(typ, b)
		}
		return n, err
	})
}

type TimeoutNowResponse struct {
	Term    uint64
	Success bool
}

func (m *TimeoutNowResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Term)
	e.bool(2, m.Success)
	return e.b, nil
}

func (m *TimeoutNowResponse) Unmarshal(b []byte) error {
	*m = TimeoutNowResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Term, n, err = consumeUint64(typ, b)
		case 2:
			m.Success, n, err = consumeBool(typ, b)
		}
		return n, err
	})
}

// ReadIndexRequest asks the leader for a linearizable read point. PeerId is set when a follower forwards the
// request on behalf of its client.
type ReadIndexRequest struct {
	GroupId  string
	ServerId string
	Entries  [][]byte
	PeerId   string
}

func (m *ReadIndexRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.string(2, m.ServerId)
	e.repeatedBytes(3, m.Entries)
	e.string(4, m.PeerId)
	return e.b, nil
}

func (m *ReadIndexRequest) Unmarshal(b []byte) error {
	*m = ReadIndexRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.ServerId, n, err = consumeString(typ, b)
		case 3:
			var v []byte
			v, n, err = consumeBytes(typ, b)
			m.Entries = append(m.Entries, v)
		case 4:
			m.PeerId, n, err = consumeString(typ, b)
		}
		return n, err
	})
}

type ReadIndexResponse struct {
	Index   uint64
	Success bool
}

func (m *ReadIndexResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Index)
	e.bool(2, m.Success)
	return e.b, nil
}

func (m *ReadIndexResponse) Unmarshal(b []byte) error {
	*m = ReadIndexResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Index, n, err = consumeUint64(typ, b)
		case 2:
			m.Success, n, err = consumeBool(typ, b)
		}
		return n, err
	})
}
