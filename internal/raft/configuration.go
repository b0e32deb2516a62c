package raft

import (
	"sort"
	"strings"
)

// Configuration is an immutable set of voting peers. A membership change never mutates a Configuration; it
// produces a new one that replaces the old (Section 6 of the [Raft paper](https://raft.github.io/raft.pdf)).
type Configuration struct {
	// sorted, without duplicates
	peers []PeerID
}

// NewConfiguration builds a configuration from the given peers. Duplicates are collapsed.
func NewConfiguration(peers ...PeerID) Configuration {
	set := make(map[PeerID]struct{}, len(peers))
	out := make([]PeerID, 0, len(peers))
	for _, p := range peers {
		if p.IsEmpty() {
			continue
		}
		if _, ok := set[p]; ok {
			continue
		}
		set[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return Configuration{peers: out}
}

// ParseConfiguration parses a list of "host:port[:idx]" strings.
func ParseConfiguration(ss []string) (Configuration, error) {
	peers, err := ParsePeerIDs(ss)
	if err != nil {
		return Configuration{}, err
	}
	return NewConfiguration(peers...), nil
}

// Peers returns a sorted copy of the members.
func (c Configuration) Peers() []PeerID {
	out := make([]PeerID, len(c.peers))
	copy(out, c.peers)
	return out
}

func (c Configuration) Contains(p PeerID) bool {
	i := sort.Search(len(c.peers), func(i int) bool { return !c.peers[i].less(p) })
	return i < len(c.peers) && c.peers[i] == p
}

func (c Configuration) Size() int {
	return len(c.peers)
}

func (c Configuration) IsEmpty() bool {
	return len(c.peers) == 0
}

// QuorumSize is floor(n/2)+1, the number of acknowledgements needed for a majority.
func (c Configuration) QuorumSize() int {
	return len(c.peers)/2 + 1
}

func (c Configuration) Equals(o Configuration) bool {
	if len(c.peers) != len(o.peers) {
		return false
	}
	for i := range c.peers {
		if c.peers[i] != o.peers[i] {
			return false
		}
	}
	return true
}

// Diff compares c, the new configuration, with old: adding holds the peers only in c, removing the peers only
// in old.
func (c Configuration) Diff(old Configuration) (adding, removing []PeerID) {
	for _, p := range c.peers {
		if !old.Contains(p) {
			adding = append(adding, p)
		}
	}
	for _, p := range old.peers {
		if !c.Contains(p) {
			removing = append(removing, p)
		}
	}
	return adding, removing
}

// Union returns the peers of both configurations, the membership of a joint configuration.
func (c Configuration) Union(o Configuration) Configuration {
	all := make([]PeerID, 0, len(c.peers)+len(o.peers))
	all = append(all, c.peers...)
	all = append(all, o.peers...)
	return NewConfiguration(all...)
}

func (c Configuration) String() string {
	return strings.Join(PeerStrings(c.peers), ",")
}

// ConfigurationEntry is the configuration in effect at a log position. OldConf is non-empty only while a
// joint configuration (C_old,new) is in effect.
type ConfigurationEntry struct {
	ID      LogID
	Conf    Configuration
	OldConf Configuration
}

func (e ConfigurationEntry) IsStable() bool {
	return e.OldConf.IsEmpty()
}

func (e ConfigurationEntry) IsEmpty() bool {
	return e.Conf.IsEmpty()
}

// Contains reports membership in either half of a joint configuration.
func (e ConfigurationEntry) Contains(p PeerID) bool {
	return e.Conf.Contains(p) || e.OldConf.Contains(p)
}

// ListPeers is every peer the leader must replicate to while this entry is in effect.
func (e ConfigurationEntry) ListPeers() []PeerID {
	return e.Conf.Union(e.OldConf).Peers()
}
