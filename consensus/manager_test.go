package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gitzhang10/seqbft/stream"
)

func fastTimeouts() TimeoutConfig {
	return TimeoutConfig{
		Propose:        300 * time.Millisecond,
		ProposeDelta:   100 * time.Millisecond,
		Prevote:        200 * time.Millisecond,
		PrevoteDelta:   100 * time.Millisecond,
		Precommit:      200 * time.Millisecond,
		PrecommitDelta: 100 * time.Millisecond,
		Max:            2 * time.Second,
	}
}

func proposalContent(t *testing.T, p *Proposal) stream.Content {
	t.Helper()
	data, err := EncodeProposal(p)
	require.NoError(t, err)
	return stream.Content{
		Stream: stream.StreamID{Height: uint64(p.Init.Height), Round: uint32(p.Init.Round), Sender: string(p.Init.Proposer)},
		Data:   data,
	}
}

type testNode struct {
	ctx       *fakeContext
	store     *memStore
	votes     chan Vote
	proposals chan stream.Content
	sync      chan Height
	manager   *Manager
}

func newTestNode(t *testing.T, c *cluster, self ValidatorID, mode Mode) *testNode {
	t.Helper()
	n := &testNode{
		ctx:       newFakeContext(self, c.validators),
		store:     &memStore{},
		votes:     make(chan Vote, 4096),
		proposals: make(chan stream.Content, 1024),
		sync:      make(chan Height, 1),
	}
	m, err := NewManager(ManagerConfig{
		Self:      self,
		Mode:      mode,
		Context:   n.ctx,
		Store:     n.store,
		Signer:    c.signers[self],
		Verifier:  c.verifier,
		Certifier: NewThresholdCertifier(c.tsPublic, 3, len(c.validators)),
		Timeouts:  fastTimeouts(),
		Votes:     n.votes,
		Proposals: n.proposals,
		Sync:      n.sync,
		Logger:    hclog.NewNullLogger(),
	})
	require.NoError(t, err)
	n.manager = m
	return n
}

func TestManagerFourNodesAgree(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	nodes := make([]*testNode, 4)
	for i := range nodes {
		nodes[i] = newTestNode(t, c, ValidatorID(fmt.Sprintf("v%d", i)), ModeActive)
	}
	for _, n := range nodes {
		n.ctx.onVote = func(v Vote) {
			for _, peer := range nodes {
				peer.votes <- v
			}
		}
		n.ctx.onPropose = func(p *Proposal) {
			content := proposalContent(t, p)
			for _, peer := range nodes {
				peer.proposals <- content
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	errs := make(chan error, len(nodes))
	for _, n := range nodes {
		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()
			errs <- n.manager.Run(ctx, 1)
		}(n)
	}

	const heights = 5
	reached := func(n *testNode) bool {
		ds := n.ctx.decided()
		return len(ds) > 0 && ds[len(ds)-1].Height >= heights
	}
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if !reached(n) {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)
	cancel()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, context.Canceled)
	}

	// a node may catch up past a height, but decided heights agree everywhere
	agreed := make(map[Height]ContentID)
	for _, n := range nodes {
		for _, d := range n.ctx.decided() {
			require.NoError(t, VerifyCertificate(c.tsPublic, d))
			if id, ok := agreed[d.Height]; ok {
				require.Equal(t, id, d.ContentID, "height %d", d.Height)
			}
			agreed[d.Height] = d.ContentID
		}
		last, ok, _ := n.store.LastVotedHeight()
		require.True(t, ok)
		require.GreaterOrEqual(t, last, Height(heights))
		n.ctx.lock.Lock()
		require.NotEmpty(t, n.ctx.finalized)
		n.ctx.lock.Unlock()
	}
	for h := Height(1); h <= heights; h++ {
		require.Contains(t, agreed, h)
	}
}

func TestManagerRestartsAsObserver(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	n := newTestNode(t, c, "v0", ModeActive)
	n.store.height, n.store.set = 5, true

	p := &Proposal{
		Init:      ProposalInit{Height: 5, Round: 0, Proposer: proposerAt(c.validators, 5, 0), ValidRound: -1},
		ContentID: ContentHash([]byte("block-5")),
		Content:   []byte("block-5"),
	}
	n.proposals <- proposalContent(t, p)
	for _, typ := range []VoteType{Prevote, Precommit} {
		for _, voter := range []ValidatorID{"v1", "v2", "v3"} {
			n.votes <- c.vote(t, typ, 5, 0, &p.ContentID, voter)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := n.manager.RunHeight(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, p.ContentID, d.ContentID)
	require.Empty(t, n.ctx.sentVotes())
}

func TestManagerCachesFutureHeights(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	n := newTestNode(t, c, "v0", ModeObserver)

	feed := func(h Height, content string, precommitters ...ValidatorID) ContentID {
		p := &Proposal{
			Init:      ProposalInit{Height: h, Round: 0, Proposer: proposerAt(c.validators, h, 0), ValidRound: -1},
			ContentID: ContentHash([]byte(content)),
			Content:   []byte(content),
		}
		n.proposals <- proposalContent(t, p)
		for _, voter := range []ValidatorID{"v1", "v2", "v3"} {
			n.votes <- c.vote(t, Prevote, h, 0, &p.ContentID, voter)
		}
		for _, voter := range precommitters {
			n.votes <- c.vote(t, Precommit, h, 0, &p.ContentID, voter)
		}
		return p.ContentID
	}
	// two precommits are not a quorum, so height 2 stays cached
	id2 := feed(2, "second", "v1", "v2")
	id1 := feed(1, "first", "v1", "v2", "v3")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := n.manager.RunHeight(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, id1, d.ContentID)

	n.votes <- c.vote(t, Precommit, 2, 0, &id2, "v3")
	d, err = n.manager.RunHeight(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, id2, d.ContentID)
}

func TestManagerCatchesUpFromLaterCommit(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	n := newTestNode(t, c, "v0", ModeActive)
	// restarted after voting at height 5, which the others already decided
	n.store.height, n.store.set = 5, true

	p := &Proposal{
		Init:      ProposalInit{Height: 6, Round: 0, Proposer: proposerAt(c.validators, 6, 0), ValidRound: -1},
		ContentID: ContentHash([]byte("block-6")),
		Content:   []byte("block-6"),
	}
	n.proposals <- proposalContent(t, p)
	for _, typ := range []VoteType{Prevote, Precommit} {
		for _, voter := range []ValidatorID{"v1", "v2", "v3"} {
			n.votes <- c.vote(t, typ, 6, 0, &p.ContentID, voter)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, d, err := n.manager.runHeight(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, d)
	require.Equal(t, Height(6), next)

	d, err = n.manager.RunHeight(ctx, 6)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, Height(6), d.Height)
	require.Equal(t, p.ContentID, d.ContentID)
	require.Len(t, n.ctx.decided(), 1)
}

func TestManagerIgnoresUnverifiedLaterCommit(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	n := newTestNode(t, c, "v0", ModeObserver)
	later := ContentHash([]byte("block-3"))
	for _, voter := range []ValidatorID{"v1", "v2", "v3"} {
		v := c.vote(t, Precommit, 3, 0, &later, voter)
		v.Signature[0] ^= 0xff
		n.votes <- v
	}
	// the same voter twice counts once
	n.votes <- c.vote(t, Precommit, 3, 0, &later, "v1")
	n.votes <- c.vote(t, Precommit, 3, 0, &later, "v1")

	p := &Proposal{
		Init:      ProposalInit{Height: 1, Round: 0, Proposer: proposerAt(c.validators, 1, 0), ValidRound: -1},
		ContentID: ContentHash([]byte("block-1")),
		Content:   []byte("block-1"),
	}
	n.proposals <- proposalContent(t, p)
	for _, typ := range []VoteType{Prevote, Precommit} {
		for _, voter := range []ValidatorID{"v1", "v2", "v3"} {
			n.votes <- c.vote(t, typ, 1, 0, &p.ContentID, voter)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, d, err := n.manager.runHeight(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, p.ContentID, d.ContentID)
	require.Equal(t, Height(2), next)
}

func TestManagerSyncSkipsHeight(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	n := newTestNode(t, c, "v0", ModeActive)
	n.sync <- 3

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, d, err := n.manager.runHeight(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, d)
	require.Equal(t, Height(4), next)
}

func TestManagerStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := newCluster(t, 4)
	n := newTestNode(t, c, "v0", ModeActive)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.manager.Run(ctx, 1) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}
