// Package raft holds the values shared by every part of the consensus node: peer identities, log positions,
// configurations, roles and the Status error type.
//
// Notes from Section 5.2 of the [Raft paper](https://raft.github.io/raft.pdf): a follower that hears nothing
// from a leader over an election timeout becomes a candidate. Section 9.6 adds the pre-vote round used here: a
// would-be candidate first asks whether it could win, without incrementing its term, so a partitioned server
// does not disrupt a healthy leader when it rejoins.
package raft

import (
	"math/rand"
	"time"
)

// A Role is the state of a node at any given point.
type Role uint64

// As Golang does not support Enums this is a common pattern for implementing one
const (
	Uninitialized Role = iota
	Follower
	Candidate
	Leader
	Transferring
	Error
	ShuttingDown
	Shutdown
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case Uninitialized:
		return "Uninitialized"
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Transferring:
		return "Transferring"
	case Error:
		return "Error"
	case ShuttingDown:
		return "ShuttingDown"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// IsActive reports whether a node in this role still takes part in the protocol.
func (r Role) IsActive() bool {
	return r != Uninitialized && r < Error
}

// RandomizedTimeout returns a duration in [base, 2*base). Randomizing the election timeout per attempt keeps
// servers from timing out together and splitting the vote indefinitely (Section 5.2).
func RandomizedTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}
