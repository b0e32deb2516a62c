package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"raftd/internal/raft/proto"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
	firstIndexKey  = []byte("firstIndex")
)

// BboltDb implements both LogStorage and MetaStorage on a single bbolt file.
type BboltDb struct {
	conn *bbolt.DB
}

var (
	_ LogStorage  = (*BboltDb)(nil)
	_ MetaStorage = (*BboltDb)(nil)
)

// NewBboltStorage creates a new BBolt-backed storage instance
func NewBboltStorage(path string) (*BboltDb, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltDb{conn: db}, nil
}

func (b *BboltDb) AppendEntry(entry *proto.LogEntry) error {
	return b.AppendEntries([]*proto.LogEntry{entry})
}

func (b *BboltDb) AppendEntries(entries []*proto.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		for _, entry := range entries {
			data, err := entry.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltDb) GetEntry(index uint64) (*proto.LogEntry, error) {
	var entry *proto.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("index %d: %w", index, ErrNotFound)
		}

		entry = &proto.LogEntry{}
		if err := entry.Unmarshal(data); err != nil {
			return fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		return nil
	})
	return entry, err
}

func (b *BboltDb) GetEntries(startIndex, endIndex uint64) ([]*proto.LogEntry, error) {
	var entries []*proto.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, v := cursor.Seek(uint64ToBytes(startIndex)); k != nil && bytesToUint64(k) <= endIndex; k, v = cursor.Next() {
			entry := &proto.LogEntry{}
			if err := entry.Unmarshal(v); err != nil {
				return fmt.Errorf("failed to unmarshal log entry at index %d: %w", bytesToUint64(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (b *BboltDb) DeleteEntriesFrom(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		// Deleting through the cursor moves it to the next key
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Seek(uint64ToBytes(index)) {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltDb) DeleteEntriesBefore(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, _ := cursor.First(); k != nil && bytesToUint64(k) < index; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return tx.Bucket(metadataBucket).Put(firstIndexKey, uint64ToBytes(index))
	})
}

func (b *BboltDb) Reset(nextIndex uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(logBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(logBucket); err != nil {
			return err
		}
		return tx.Bucket(metadataBucket).Put(firstIndexKey, uint64ToBytes(nextIndex))
	})
}

func (b *BboltDb) GetFirstIndex() (uint64, error) {
	var first uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		first = firstIndex(tx)
		return nil
	})
	return first, err
}

func (b *BboltDb) GetLastIndex() (uint64, error) {
	var last uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
			last = bytesToUint64(k)
			return nil
		}
		last = firstIndex(tx) - 1
		return nil
	})
	return last, err
}

func firstIndex(tx *bbolt.Tx) uint64 {
	if k, _ := tx.Bucket(logBucket).Cursor().First(); k != nil {
		return bytesToUint64(k)
	}
	if v := tx.Bucket(metadataBucket).Get(firstIndexKey); v != nil {
		return bytesToUint64(v)
	}
	return 1
}

func (b *BboltDb) GetTermAndVotedFor() (uint64, string, error) {
	var (
		term     uint64
		votedFor string
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		votedFor = string(bucket.Get(votedForKey))
		return nil
	})
	return term, votedFor, err
}

func (b *BboltDb) SetTermAndVotedFor(term uint64, votedFor string) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

func (b *BboltDb) Close() error {
	return b.conn.Close()
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
