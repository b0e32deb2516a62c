package server

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"raftd/internal/raft"
	"raftd/internal/raft/proto"
	"raftd/internal/raft/snapshot"
)

/*
Section 7: each server takes snapshots independently, covering only committed entries, and then discards the
log prefix the snapshot replaces. A leader sends its snapshot to a follower that lags behind its first log
index; here the InstallSnapshot RPC only carries the snapshot meta and a URI, and the follower pulls the files
chunk by chunk from the leader's FileService.
*/

var (
	errSnapshotsDisabled = raft.NewStatus(raft.CodeInvalid, "raft: snapshot store not configured")
	errSnapshotBusy      = raft.NewStatus(raft.CodeBusy, "raft: snapshot save or install in progress")
	errNoSnapshot        = raft.NewStatus(raft.CodeIO, "raft: no snapshot available")
)

// snapshotExecutor saves, loads and installs snapshots for a Node.
type snapshotExecutor struct {
	node     *Node
	store    *snapshot.Store
	files    *snapshot.FileService
	throttle snapshot.Throttle

	mu       sync.Mutex
	last     *snapshot.Snapshot
	readerID string

	installing atomic.Bool
	// loop-owned
	saving        bool
	cancelInstall context.CancelFunc
}

func newSnapshotExecutor(n *Node, store *snapshot.Store, files *snapshot.FileService, bytesPerSecond int) *snapshotExecutor {
	e := &snapshotExecutor{node: n, store: store, files: files}
	if bytesPerSecond > 0 {
		e.throttle = snapshot.NewThrottle(bytesPerSecond)
	}
	return e
}

// load restores the state machine from the newest local snapshot. It runs before the node goroutines start.
func (e *snapshotExecutor) load() (*snapshot.Snapshot, error) {
	if e.store == nil {
		return nil, nil
	}
	snap, err := e.store.Latest()
	if err != nil || snap == nil {
		return nil, err
	}
	if err := e.restoreFSM(snap); err != nil {
		return nil, err
	}
	e.setLast(snap)
	return snap, nil
}

func (e *snapshotExecutor) restoreFSM(snap *snapshot.Snapshot) error {
	f, err := os.Open(snap.Path(snapshot.DataFile))
	if err != nil {
		return fmt.Errorf("open snapshot data: %w", err)
	}
	defer f.Close()
	if err := e.node.fsm.fsm.Restore(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("restore state machine from snapshot %v: %w", snap.LastIncluded(), err)
	}
	return nil
}

// setLast publishes snap to peers through the FileService, replacing the previous one.
func (e *snapshotExecutor) setLast(snap *snapshot.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readerID != "" {
		e.files.RemoveReader(e.readerID)
	}
	e.last = snap
	e.readerID = e.files.AddReader(snap.Dir)
}

func (e *snapshotExecutor) lastID() raft.LogID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return raft.LogID{}
	}
	return e.last.LastIncluded()
}

// forReplication returns what a replicator sends in InstallSnapshot.
func (e *snapshotExecutor) forReplication() (string, *proto.SnapshotMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return "", nil, errNoSnapshot
	}
	return snapshot.FormatURI(e.node.id, e.readerID), e.last.Meta, nil
}

func (e *snapshotExecutor) isInstalling() bool {
	return e.installing.Load()
}

// save snapshots the state machine at its last applied index. done is called once, on the loop. Called from
// the loop.
func (e *snapshotExecutor) save(done func(raft.LogID, error)) {
	switch {
	case e.store == nil:
		done(raft.LogID{}, errSnapshotsDisabled)
		return
	case e.saving || e.installing.Load():
		done(raft.LogID{}, errSnapshotBusy)
		return
	}

	e.saving = true
	if !e.node.fsm.enqueue(func() { e.doSave(done) }) {
		e.saving = false
		done(raft.LogID{}, raft.ErrNodeShutdown)
	}
}

// doSave runs on the FSM goroutine, so no entry is applied while the state machine is written out.
func (e *snapshotExecutor) doSave(done func(raft.LogID, error)) {
	n := e.node
	applied := n.fsm.appliedIndex()
	if applied == 0 || applied <= e.lastID().Index {
		e.finishSave(nil, raft.ConfigurationEntry{}, nil, done)
		return
	}

	id := raft.LogID{Index: applied, Term: n.logs.term(applied)}
	conf := n.logs.confAt(applied)
	snap, err := e.write(id, conf)
	if err != nil {
		n.log.Errorf("[NODE-%s] Failed to save snapshot at %v: %v", n.id, id, err)
		e.finishSave(nil, conf, err, done)
		return
	}
	n.log.Infof("[NODE-%s] Saved snapshot at %v", n.id, id)
	n.fsm.publish(SnapshotSaved, id)
	e.finishSave(snap, conf, nil, done)
}

func (e *snapshotExecutor) write(id raft.LogID, conf raft.ConfigurationEntry) (*snapshot.Snapshot, error) {
	w, err := e.store.Create()
	if err != nil {
		return nil, err
	}
	if err := e.writeData(w.Path(snapshot.DataFile)); err != nil {
		w.Abort()
		return nil, err
	}
	snap, err := w.Commit(&proto.SnapshotMeta{
		LastIncludedIndex: id.Index,
		LastIncludedTerm:  id.Term,
		Peers:             raft.PeerStrings(conf.Conf.Peers()),
		OldPeers:          raft.PeerStrings(conf.OldConf.Peers()),
		Files:             []string{snapshot.DataFile},
	})
	if err != nil {
		w.Abort()
		return nil, err
	}
	return snap, nil
}

func (e *snapshotExecutor) writeData(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := e.node.fsm.fsm.Snapshot(bw); err != nil {
		f.Close()
		return fmt.Errorf("state machine snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (e *snapshotExecutor) finishSave(snap *snapshot.Snapshot, conf raft.ConfigurationEntry, err error, done func(raft.LogID, error)) {
	n := e.node
	if !n.loop.submit(func() {
		e.saving = false
		if err != nil || snap == nil {
			done(e.lastID(), err)
			return
		}
		e.setLast(snap)
		if err := n.logs.setSnapshot(snap.LastIncluded(), conf); err != nil {
			n.onError(raft.NewStatus(raft.CodeIO, "compact log after snapshot: %v", err))
			done(raft.LogID{}, err)
			return
		}
		done(snap.LastIncluded(), nil)
	}) {
		done(raft.LogID{}, raft.ErrNodeShutdown)
	}
}

// install copies the snapshot a leader announced and loads it. respond is called once. Called from the loop
// after the leader's term has been checked.
func (e *snapshotExecutor) install(req *proto.InstallSnapshotRequest, respond func(*proto.InstallSnapshotResponse, error)) {
	n := e.node
	switch {
	case e.store == nil:
		respond(nil, errSnapshotsDisabled)
		return
	case e.saving || e.installing.Load():
		respond(nil, errSnapshotBusy)
		return
	case req.Meta == nil:
		respond(nil, raft.NewStatus(raft.CodeInvalid, "install snapshot without meta"))
		return
	}

	id := raft.LogID{Index: req.Meta.LastIncludedIndex, Term: req.Meta.LastIncludedTerm}
	if id.Index <= n.fsm.appliedIndex() {
		n.log.Infof("[NODE-%s] [TERM-%d] Snapshot %v is not newer than applied index %d, skipping install",
			n.id, n.term, id, n.fsm.appliedIndex())
		respond(&proto.InstallSnapshotResponse{Term: n.term, Success: true}, nil)
		return
	}

	ctx, cancel := context.WithCancel(n.ctx)
	e.installing.Store(true)
	e.cancelInstall = cancel
	term := n.term
	n.log.Infof("[NODE-%s] [TERM-%d] Installing snapshot %v from %s", n.id, term, id, req.Uri)
	go e.runInstall(ctx, term, req, respond)
}

func (e *snapshotExecutor) runInstall(ctx context.Context, term uint64, req *proto.InstallSnapshotRequest, respond func(*proto.InstallSnapshotResponse, error)) {
	n := e.node
	snap, err := e.copyFrom(ctx, req)
	if err != nil {
		n.log.Warnf("[NODE-%s] [TERM-%d] Failed to copy snapshot from %s: %v", n.id, term, req.Uri, err)
		if !n.loop.submit(func() { e.endInstall() }) {
			e.installing.Store(false)
		}
		respond(nil, err)
		return
	}

	loaded := n.fsm.enqueue(func() {
		var err error
		// entries past the snapshot may have been applied while it was copied
		if snap.Meta.LastIncludedIndex > n.fsm.appliedIndex() {
			if err = e.restoreFSM(snap); err == nil {
				n.fsm.setApplied(snap.Meta.LastIncludedIndex)
				n.fsm.publish(SnapshotLoaded, snap.LastIncluded())
			}
		}
		if !n.loop.submit(func() { e.finishInstall(term, snap, err, respond) }) {
			respond(nil, raft.ErrNodeShutdown)
		}
	})
	if !loaded {
		respond(nil, raft.ErrNodeShutdown)
	}
}

func (e *snapshotExecutor) copyFrom(ctx context.Context, req *proto.InstallSnapshotRequest) (*snapshot.Snapshot, error) {
	n := e.node
	w, err := e.store.Create()
	if err != nil {
		return nil, raft.NewStatus(raft.CodeIO, "stage snapshot: %v", err)
	}
	dial := func(peer raft.PeerID) (snapshot.FileClient, error) {
		return fileClient{transport: n.transport, peer: peer}, nil
	}
	copier, err := snapshot.NewCopier(req.Uri, dial, n.opts.copyOptions(), e.throttle)
	if err != nil {
		w.Abort()
		return nil, err
	}
	copier.OnBytes(n.metrics.RecordSnapshotBytes)

	for _, name := range req.Meta.Files {
		if err := copier.Copy(ctx, name, w.Path(name)); err != nil {
			w.Abort()
			return nil, err
		}
	}
	snap, err := w.Commit(req.Meta)
	if err != nil {
		w.Abort()
		return nil, raft.NewStatus(raft.CodeIO, "commit snapshot: %v", err)
	}
	return snap, nil
}

func (e *snapshotExecutor) endInstall() {
	e.installing.Store(false)
	e.cancelInstall = nil
}

// finishInstall replaces the log with the installed snapshot. Runs on the loop.
func (e *snapshotExecutor) finishInstall(term uint64, snap *snapshot.Snapshot, err error, respond func(*proto.InstallSnapshotResponse, error)) {
	n := e.node
	e.endInstall()
	if err != nil {
		n.onError(raft.NewStatus(raft.CodeIO, "load installed snapshot: %v", err))
		respond(nil, err)
		return
	}

	e.setLast(snap)
	id := snap.LastIncluded()
	conf, cerr := confEntryOfMeta(snap.Meta)
	if cerr != nil {
		n.log.Warnf("[NODE-%s] Snapshot %v carries a malformed configuration: %v", n.id, id, cerr)
	}
	if err := n.logs.installSnapshot(id, conf); err != nil {
		n.onError(raft.NewStatus(raft.CodeIO, "reset log to snapshot: %v", err))
		respond(nil, err)
		return
	}
	if _, err := n.box.SetLastCommittedIndex(id.Index); err != nil {
		n.log.Warnf("[NODE-%s] [TERM-%d] Cannot adopt snapshot commit index: %v", n.id, n.term, err)
	}
	if c := n.logs.lastConf(); !c.IsEmpty() {
		n.conf = c
	}
	n.log.Infof("[NODE-%s] [TERM-%d] Installed snapshot %v", n.id, n.term, id)
	respond(&proto.InstallSnapshotResponse{Term: n.term, Success: term == n.term}, nil)
}

// cancel aborts a running install, e.g. on shutdown. Called from the loop.
func (e *snapshotExecutor) cancel() {
	if e.cancelInstall != nil {
		e.cancelInstall()
	}
}

func confEntryOfMeta(meta *proto.SnapshotMeta) (raft.ConfigurationEntry, error) {
	conf, err := raft.ParseConfiguration(meta.Peers)
	if err != nil {
		return raft.ConfigurationEntry{}, err
	}
	oldConf, err := raft.ParseConfiguration(meta.OldPeers)
	if err != nil {
		return raft.ConfigurationEntry{}, err
	}
	return raft.ConfigurationEntry{
		ID:      raft.LogID{Index: meta.LastIncludedIndex, Term: meta.LastIncludedTerm},
		Conf:    conf,
		OldConf: oldConf,
	}, nil
}
