package server

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"raftd/internal/raft"
)

type leadership struct {
	leader bool
	term   uint64
}

// sampleLeadership reads role and term in one loop turn, so the pair is never torn.
func sampleLeadership(ctx context.Context, p *testPeer) (leadership, error) {
	n := p.node
	return onLoop(ctx, n.loop, func() (leadership, error) {
		return leadership{leader: n.leader() != nil, term: n.term}, nil
	})
}

func TestCluster_AtMostOneLeaderPerTerm(t *testing.T) {
	c := newTestCluster(t, 5)
	c.waitLeader()
	peers := c.all()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaders := make(map[uint64]raft.PeerID)
	var violations []string
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			for _, p := range peers {
				s, err := sampleLeadership(ctx, p)
				if err != nil || !s.leader {
					continue
				}
				if prev, ok := leaders[s.term]; ok && prev != p.id {
					violations = append(violations, fmt.Sprintf("term %d: %s and %s", s.term, prev, p.id))
				}
				leaders[s.term] = p.id
			}
		}
	}()

	// isolate up to two of five peers at a time so a quorum can always form
	rng := rand.New(rand.NewPCG(7, 11))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range peers {
			c.heal(p.id)
		}
		for _, i := range rng.Perm(len(peers))[:rng.IntN(3)] {
			c.isolate(peers[i].id)
		}
		time.Sleep(120 * time.Millisecond)
	}
	for _, p := range peers {
		c.heal(p.id)
	}
	cancel()
	<-sampled

	assert.Empty(t, violations)
	assert.NotEmpty(t, leaders)
	c.waitLeader()
}
