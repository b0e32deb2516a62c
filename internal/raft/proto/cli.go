package proto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type ApplyRequest struct {
	GroupId string
	Data    []byte
}

func (m *ApplyRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.bytes(2, m.Data)
	return e.b, nil
}

func (m *ApplyRequest) Unmarshal(b []byte) error {
	*m = ApplyRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.Data, n, err = consumeBytes(typ, b)
		}
		return n, err
	})
}

type ApplyResponse struct {
	Index  uint64
	Result []byte
}

func (m *ApplyResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.uint64(1, m.Index)
	e.bytes(2, m.Result)
	return e.b, nil
}

func (m *ApplyResponse) Unmarshal(b []byte) error {
	*m = ApplyResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Index, n, err = consumeUint64(typ, b)
		case 2:
			m.Result, n, err = consumeBytes(typ, b)
		}
		return n, err
	})
}

type ChangePeersRequest struct {
	GroupId  string
	NewPeers []string
}

func (m *ChangePeersRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.strings(2, m.NewPeers)
	return e.b, nil
}

func (m *ChangePeersRequest) Unmarshal(b []byte) error {
	*m = ChangePeersRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			var s string
			s, n, err = consumeString(typ, b)
			m.NewPeers = append(m.NewPeers, s)
		}
		return n, err
	})
}

type ChangePeersResponse struct {
	OldPeers []string
	NewPeers []string
}

func (m *ChangePeersResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.strings(1, m.OldPeers)
	e.strings(2, m.NewPeers)
	return e.b, nil
}

func (m *ChangePeersResponse) Unmarshal(b []byte) error {
	*m = ChangePeersResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var s string
		switch num {
		case 1:
			s, n, err = consumeString(typ, b)
			m.OldPeers = append(m.OldPeers, s)
		case 2:
			s, n, err = consumeString(typ, b)
			m.NewPeers = append(m.NewPeers, s)
		}
		return n, err
	})
}

type TransferLeaderRequest struct {
	GroupId string
	PeerId  string
}

func (m *TransferLeaderRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	e.string(2, m.PeerId)
	return e.b, nil
}

func (m *TransferLeaderRequest) Unmarshal(b []byte) error {
	*m = TransferLeaderRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.GroupId, n, err = consumeString(typ, b)
		case 2:
			m.PeerId, n, err = consumeString(typ, b)
		}
		return n, err
	})
}

type TransferLeaderResponse struct{}

func (m *TransferLeaderResponse) Marshal() ([]byte, error) {
	return nil, nil
}

func (m *TransferLeaderResponse) Unmarshal(b []byte) error {
	return decode(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type ListPeersRequest struct {
	GroupId string
}

func (m *ListPeersRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.GroupId)
	return e.b, nil
}

func (m *ListPeersRequest) Unmarshal(b []byte) error {
	*m = ListPeersRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		if num == 1 {
			m.GroupId, n, err = consumeString(typ, b)
		}
		return n, err
	})
}

type ListPeersResponse struct {
	Peers    []string
	LeaderId string
	Term     uint64
}

func (m *ListPeersResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.strings(1, m.Peers)
	e.string(2, m.LeaderId)
	e.uint64(3, m.Term)
	return e.b, nil
}

func (m *ListPeersResponse) Unmarshal(b []byte) error {
	*m = ListPeersResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			var s string
			s, n, err = consumeString(typ, b)
			m.Peers = append(m.Peers, s)
		case 2:
			m.LeaderId, n, err = consumeString(typ, b)
		case 3:
			m.Term, n, err = consumeUint64(typ, b)
		}
		return n, err
	})
}
