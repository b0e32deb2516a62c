package raft

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerID identifies a replica of the group: the network address it serves on plus a logical index, so that
// several replicas may share one address. It is an immutable value and is compared by value.
type PeerID struct {
	// Addr is the host:port the replica serves its RPCs on
	Addr string
	// Idx distinguishes replicas sharing the same Addr. Zero is the common case and is omitted from String.
	Idx int
}

// AnyPeer is the sentinel accepted by leadership transfer meaning "the most caught-up replica".
var AnyPeer = PeerID{Addr: "0.0.0.0:0"}

// ParsePeerID parses "host:port" or "host:port:idx".
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return PeerID{}, NewStatus(CodeInvalid, "empty peer id")
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
	case 3:
		idx, err := strconv.Atoi(parts[2])
		if err != nil || idx < 0 {
			return PeerID{}, NewStatus(CodeInvalid, "malformed peer index in %q", s)
		}
		return checked(s, PeerID{Addr: net.JoinHostPort(parts[0], parts[1]), Idx: idx})
	default:
		return PeerID{}, NewStatus(CodeInvalid, "malformed peer id %q", s)
	}

	return checked(s, PeerID{Addr: s})
}

func checked(raw string, id PeerID) (PeerID, error) {
	if err := validateAddr(raw, id.Addr); err != nil {
		return PeerID{}, err
	}
	return id, nil
}

func validateAddr(raw, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return NewStatus(CodeInvalid, "malformed peer address in %q", raw)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return NewStatus(CodeInvalid, "malformed peer port in %q", raw)
	}
	return nil
}

// MustParsePeerID is ParsePeerID for literals in tests and defaults. It panics on malformed input.
func MustParsePeerID(s string) PeerID {
	id, err := ParsePeerID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ParsePeerIDs parses a list of peer ids, failing on the first malformed one.
func ParsePeerIDs(ss []string) ([]PeerID, error) {
	peers := make([]PeerID, 0, len(ss))
	for _, s := range ss {
		p, err := ParsePeerID(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// PeerStrings is the inverse of ParsePeerIDs.
func PeerStrings(peers []PeerID) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

// IsEmpty reports whether the id is the zero value, used as "no peer" (e.g. no known leader).
func (p PeerID) IsEmpty() bool {
	return p.Addr == "" && p.Idx == 0
}

func (p PeerID) String() string {
	if p.Idx == 0 {
		return p.Addr
	}
	return fmt.Sprintf("%s:%d", p.Addr, p.Idx)
}

// less orders peers by address then index, giving Configuration a stable iteration order.
func (p PeerID) less(o PeerID) bool {
	if p.Addr != o.Addr {
		return p.Addr < o.Addr
	}
	return p.Idx < o.Idx
}
