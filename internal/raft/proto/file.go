package proto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// GetFileRequest reads Count bytes of Filename from Offset within the snapshot registered under ReaderId.
type GetFileRequest struct {
	ReaderId   string
	Filename   string
	Offset     uint64
	Count      uint64
	ReadPartly bool
}

func (m *GetFileRequest) Marshal() ([]byte, error) {
	e := &encoder{}
	e.string(1, m.ReaderId)
	e.string(2, m.Filename)
	e.uint64(3, m.Offset)
	e.uint64(4, m.Count)
	e.bool(5, m.ReadPartly)
	return e.b, nil
}

func (m *GetFileRequest) Unmarshal(b []byte) error {
	*m = GetFileRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.ReaderId, n, err = consumeString(typ, b)
		case 2:
			m.Filename, n, err = consumeString(typ, b)
		case 3:
			m.Offset, n, err = consumeUint64(typ, b)
		case 4:
			m.Count, n, err = consumeUint64(typ, b)
		case 5:
			m.ReadPartly, n, err = consumeBool(typ, b)
		}
		return n, err
	})
}

type GetFileResponse struct {
	Eof      bool
	Data     []byte
	ReadSize uint64
}

func (m *GetFileResponse) Marshal() ([]byte, error) {
	e := &encoder{}
	e.bool(1, m.Eof)
	e.bytes(2, m.Data)
	e.uint64(3, m.ReadSize)
	return e.b, nil
}

func (m *GetFileResponse) Unmarshal(b []byte) error {
	*m = GetFileResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			m.Eof, n, err = consumeBool(typ, b)
		case 2:
			m.Data, n, err = consumeBytes(typ, b)
		case 3:
			m.ReadSize, n, err = consumeUint64(typ, b)
		}
		return n, err
	})
}
