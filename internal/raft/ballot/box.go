package ballot

import (
	"fmt"
	"sync"

	"raftd/internal/raft"
)

// Closure is invoked once the entry it was registered for is committed, or with the failure that abandoned it.
type Closure func(err error)

// CommitWaiter receives every advance of the commit index together with the closures of the newly committed
// entries, in index order. It is called with the Box lock released.
type CommitWaiter func(committedIndex uint64, done []Closure)

// Box is the ballot box of a node. A leader registers one ballot per appended entry starting at the pending
// index it was elected with; entries of earlier terms are never counted and commit only once an entry of the
// current term does, as Section 5.4.2 of the [Raft paper](https://raft.github.io/raft.pdf) requires. A follower
// only learns the commit index from its leader.
type Box struct {
	mu sync.RWMutex

	lastCommittedIndex uint64
	// the index of ballots[0]; zero while no leader term is being tracked
	pendingIndex uint64
	ballots      []*Ballot
	closures     []Closure

	waiter CommitWaiter
}

// NewBox creates a box that reports commit progress to waiter.
func NewBox(waiter CommitWaiter) *Box {
	return &Box{waiter: waiter}
}

// LastCommittedIndex is the highest index known to be committed.
func (b *Box) LastCommittedIndex() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastCommittedIndex
}

// ResetPendingIndex starts tracking ballots at newPendingIndex, called by a newly elected leader with
// lastLogIndex+1.
func (b *Box) ResetPendingIndex(newPendingIndex uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingIndex != 0 || len(b.ballots) != 0 {
		return fmt.Errorf("reset pending index to %d with %d ballots still pending at %d",
			newPendingIndex, len(b.ballots), b.pendingIndex)
	}
	if newPendingIndex <= b.lastCommittedIndex {
		return fmt.Errorf("pending index %d must be greater than last committed index %d",
			newPendingIndex, b.lastCommittedIndex)
	}
	b.pendingIndex = newPendingIndex
	return nil
}

// AppendPendingTask registers the ballot of the next entry the leader appends. Entries must be registered in
// log order, before they are acknowledged by anyone.
func (b *Box) AppendPendingTask(conf, oldConf raft.Configuration, done Closure) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingIndex == 0 {
		return fmt.Errorf("ballot box is not tracking a leader term")
	}
	b.ballots = append(b.ballots, New(conf, oldConf))
	b.closures = append(b.closures, done)
	return nil
}

// PendingIndex is the index of the oldest ballot, zero when the box is not tracking a leader term.
func (b *Box) PendingIndex() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pendingIndex
}

// CommitAt records that peer durably stores entries [first, last]. It reports whether the commit index moved.
func (b *Box) CommitAt(first, last uint64, peer raft.PeerID) bool {
	b.mu.Lock()

	if b.pendingIndex == 0 || last < b.pendingIndex {
		b.mu.Unlock()
		return false
	}
	end := b.pendingIndex + uint64(len(b.ballots))
	if first >= end {
		b.mu.Unlock()
		return false
	}

	start := max(first, b.pendingIndex)
	last = min(last, end-1)
	for idx := start; idx <= last; idx++ {
		b.ballots[idx-b.pendingIndex].Grant(peer)
	}

	// The log commits as a prefix: stop at the first ballot still short of a majority.
	n := 0
	for n < len(b.ballots) && b.ballots[n].Granted() {
		n++
	}
	if n == 0 {
		b.mu.Unlock()
		return false
	}

	done := make([]Closure, n)
	copy(done, b.closures[:n])
	b.ballots = b.ballots[n:]
	b.closures = b.closures[n:]
	b.pendingIndex += uint64(n)
	b.lastCommittedIndex = b.pendingIndex - 1
	idx := b.lastCommittedIndex
	waiter := b.waiter
	b.mu.Unlock()

	if waiter != nil {
		waiter(idx, done)
	}
	return true
}

// ClearPendingTasks abandons every ballot (the leader stepped down) and fails their closures with err.
func (b *Box) ClearPendingTasks(err error) {
	b.mu.Lock()
	closures := b.closures
	b.ballots = nil
	b.closures = nil
	b.pendingIndex = 0
	b.mu.Unlock()

	for _, c := range closures {
		if c != nil {
			c(err)
		}
	}
}

// SetLastCommittedIndex is how a follower learns the commit index from its leader. It never moves backwards and
// is rejected while leader ballots are pending.
func (b *Box) SetLastCommittedIndex(idx uint64) (bool, error) {
	b.mu.Lock()

	if b.pendingIndex != 0 || len(b.ballots) != 0 {
		b.mu.Unlock()
		return false, fmt.Errorf("node has pending ballots at %d, cannot adopt commit index %d", b.pendingIndex, idx)
	}
	if idx <= b.lastCommittedIndex {
		b.mu.Unlock()
		return false, nil
	}
	b.lastCommittedIndex = idx
	waiter := b.waiter
	b.mu.Unlock()

	if waiter != nil {
		waiter(idx, nil)
	}
	return true, nil
}
