package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
)

func commitSnapshot(t *testing.T, store *Store, index uint64, content string) *Snapshot {
	w, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path(DataFile), []byte(content), 0o644))

	snap, err := w.Commit(&proto.SnapshotMeta{
		LastIncludedIndex: index,
		LastIncludedTerm:  2,
		Peers:             []string{"127.0.0.1:8081", "127.0.0.1:8082", "127.0.0.1:8083"},
		Files:             []string{DataFile},
	})
	require.NoError(t, err)
	return snap
}

func TestStore_LatestAndRetention(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)

	commitSnapshot(t, store, 10, "first")
	second := commitSnapshot(t, store, 25, "second")

	latest, err = store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.Dir, latest.Dir)
	assert.Equal(t, raft.LogID{Index: 25, Term: 2}, latest.LastIncluded())
	assert.Len(t, latest.Meta.Peers, 3)

	data, err := os.ReadFile(latest.Path(DataFile))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	_, err = os.Stat(filepath.Join(dir, "snapshot_10"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_AbortAndRestartCleanTemp(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	w, err := store.Create()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(w.Path(DataFile), []byte("partial"), 0o644))
	w.Abort()
	_, err = os.Stat(w.Dir)
	assert.True(t, os.IsNotExist(err))

	// an uncommitted directory without meta is never reported
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "snapshot_99"), 0o755))
	_, err = store.Create()
	require.NoError(t, err)

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	latest, err := reopened.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
	_, err = os.Stat(filepath.Join(dir, tempDir))
	assert.True(t, os.IsNotExist(err))
}

func TestFileService_GetFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DataFile), []byte("0123456789"), 0o644))

	fs := NewFileService()
	reader := fs.AddReader(dir)
	ctx := context.Background()

	t.Run("reads chunks until eof", func(t *testing.T) {
		resp, err := fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: DataFile, Offset: 0, Count: 4, ReadPartly: true})
		require.NoError(t, err)
		assert.Equal(t, "0123", string(resp.Data))
		assert.False(t, resp.Eof)

		resp, err = fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: DataFile, Offset: 8, Count: 4, ReadPartly: true})
		require.NoError(t, err)
		assert.Equal(t, "89", string(resp.Data))
		assert.Equal(t, uint64(2), resp.ReadSize)
		assert.True(t, resp.Eof)
	})

	t.Run("exact tail is eof", func(t *testing.T) {
		resp, err := fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: DataFile, Offset: 6, Count: 4})
		require.NoError(t, err)
		assert.Equal(t, "6789", string(resp.Data))
		assert.True(t, resp.Eof)
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		_, err := fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: "nope", Filename: DataFile, Count: 4})
		assert.Equal(t, raft.CodeInvalid, raft.CodeOf(err))

		_, err = fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: "../secret", Count: 4})
		assert.Equal(t, raft.CodeInvalid, raft.CodeOf(err))

		_, err = fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: DataFile})
		assert.Equal(t, raft.CodeInvalid, raft.CodeOf(err))

		_, err = fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: "missing", Count: 4})
		assert.Equal(t, raft.CodeIO, raft.CodeOf(err))
	})

	t.Run("removed reader", func(t *testing.T) {
		fs.RemoveReader(reader)
		_, err := fs.GetFile(ctx, &proto.GetFileRequest{ReaderId: reader, Filename: DataFile, Count: 4})
		assert.Error(t, err)
	})
}

func TestCopier_EndToEnd(t *testing.T) {
	src := t.TempDir()
	content := make([]byte, 10_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(src, DataFile), content, 0o644))

	fs := NewFileService()
	reader := fs.AddReader(src)
	leader := raft.MustParsePeerID("127.0.0.1:8081")
	uri := FormatURI(leader, reader)

	var dialed raft.PeerID
	dial := func(p raft.PeerID) (FileClient, error) {
		dialed = p
		return fs, nil
	}

	opts := CopyOptions{MaxRetry: 3, RetryInterval: time.Millisecond, Timeout: time.Second, ChunkSize: 1024}
	copier, err := NewCopier(uri, dial, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, leader, dialed)

	t.Run("to file", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), DataFile)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, copier.Copy(ctx, DataFile, dest))
		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("to buffer", func(t *testing.T) {
		s := copier.CopyToBuffer(DataFile)
		s.Join()
		require.NoError(t, s.Status())
		assert.Equal(t, content, s.Bytes())
	})
}

func TestParseURI(t *testing.T) {
	peer, reader, err := ParseURI("remote://127.0.0.1:8081:2/abc")
	require.NoError(t, err)
	assert.Equal(t, raft.PeerID{Addr: "127.0.0.1:8081", Idx: 2}, peer)
	assert.Equal(t, "abc", reader)

	for _, bad := range []string{"local://127.0.0.1:8081/abc", "remote://127.0.0.1:8081", "remote://127.0.0.1:8081/", "remote://nohost/abc"} {
		_, _, err := ParseURI(bad)
		assert.Equal(t, raft.CodeInvalid, raft.CodeOf(err), bad)
	}
}
