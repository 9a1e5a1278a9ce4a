package consensus

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/seqbft/sign"
)

type memStore struct {
	lock   sync.Mutex
	height Height
	set    bool
	writes int
	err    error
}

func (s *memStore) LastVotedHeight() (Height, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.height, s.set, nil
}

func (s *memStore) SetLastVotedHeight(h Height) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.err != nil {
		return s.err
	}
	s.height, s.set = h, true
	s.writes++
	return nil
}

type scheduled struct {
	kind  TimeoutKind
	round Round
}

type recordingScheduler struct {
	timeouts []scheduled
}

func (s *recordingScheduler) ScheduleTimeout(_ Height, kind TimeoutKind, round Round, _ time.Duration) {
	s.timeouts = append(s.timeouts, scheduled{kind: kind, round: round})
}

// fakeContext is an in-memory application. Proposals it builds are handed
// to onPropose, votes to onVote.
type fakeContext struct {
	lock       sync.Mutex
	self       ValidatorID
	validators []Validator
	buildErr   error
	contents   map[ContentID][]byte
	votes      []Vote
	decisions  []Decision
	finalized  []Height
	reproposed []ProposalInit

	onPropose func(p *Proposal)
	onVote    func(v Vote)
}

func newFakeContext(self ValidatorID, validators []Validator) *fakeContext {
	return &fakeContext{self: self, validators: validators, contents: make(map[ContentID][]byte)}
}

// proposerAt rotates through the validators starting with the second one.
func proposerAt(validators []Validator, h Height, r Round) ValidatorID {
	return validators[(uint64(h)+uint64(r))%uint64(len(validators))].ID
}

func (f *fakeContext) BuildProposal(ctx context.Context, init ProposalInit) (ContentID, error) {
	if f.buildErr != nil {
		return ContentID{}, f.buildErr
	}
	content := []byte(fmt.Sprintf("block-%d-%d-%s", init.Height, init.Round, f.self))
	id := ContentHash(content)
	f.lock.Lock()
	f.contents[id] = content
	f.lock.Unlock()
	if f.onPropose != nil {
		f.onPropose(&Proposal{Init: init, ContentID: id, Content: content})
	}
	return id, nil
}

func (f *fakeContext) Repropose(ctx context.Context, id ContentID, init ProposalInit) error {
	f.lock.Lock()
	content, ok := f.contents[id]
	f.reproposed = append(f.reproposed, init)
	f.lock.Unlock()
	if !ok {
		return errors.New("unknown content")
	}
	if f.onPropose != nil {
		f.onPropose(&Proposal{Init: init, ContentID: id, Content: content})
	}
	return nil
}

func (f *fakeContext) ValidateProposal(ctx context.Context, init ProposalInit, content []byte) (bool, error) {
	f.lock.Lock()
	f.contents[ContentHash(content)] = content
	f.lock.Unlock()
	return len(content) > 0, nil
}

func (f *fakeContext) ValidatorSet(Height) ([]Validator, error) {
	return f.validators, nil
}

func (f *fakeContext) Proposer(h Height, r Round) ValidatorID {
	return proposerAt(f.validators, h, r)
}

func (f *fakeContext) Broadcast(ctx context.Context, v Vote) error {
	f.lock.Lock()
	f.votes = append(f.votes, v)
	f.lock.Unlock()
	if f.onVote != nil {
		f.onVote(v)
	}
	return nil
}

func (f *fakeContext) DecisionReached(ctx context.Context, d Decision) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeContext) FinalizeHeight(ctx context.Context, h Height) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.finalized = append(f.finalized, h)
	return nil
}

func (f *fakeContext) sentVotes() []Vote {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]Vote, len(f.votes))
	copy(out, f.votes)
	return out
}

func (f *fakeContext) decided() []Decision {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]Decision, len(f.decisions))
	copy(out, f.decisions)
	return out
}

// cluster holds keys for n equally weighted validators named v0..v<n-1>.
type cluster struct {
	validators []Validator
	signers    map[ValidatorID]*KeySigner
	verifier   *KeyVerifier
	tsPublic   *share.PubPoly
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	shares, pubPoly := sign.GenTSKeys(n-(n-1)/3, n)
	c := &cluster{signers: make(map[ValidatorID]*KeySigner), tsPublic: pubPoly}
	keys := make(map[ValidatorID]ed25519.PublicKey)
	for i := 0; i < n; i++ {
		id := ValidatorID(fmt.Sprintf("v%d", i))
		priv, pub := sign.GenED25519Keys()
		c.validators = append(c.validators, Validator{ID: id, Weight: 1})
		c.signers[id] = NewKeySigner(priv, shares[i])
		keys[id] = pub
	}
	c.verifier = NewKeyVerifier(keys, pubPoly)
	return c
}

func (c *cluster) vote(t *testing.T, typ VoteType, h Height, r Round, id *ContentID, voter ValidatorID) Vote {
	t.Helper()
	v := Vote{Type: typ, Height: h, Round: r, ContentID: copyID(id), Voter: voter}
	require.NoError(t, c.signers[voter].SignVote(&v))
	return v
}

func (c *cluster) validatorSet(t *testing.T) *ValidatorSet {
	t.Helper()
	vs, err := NewValidatorSet(c.validators)
	require.NoError(t, err)
	return vs
}
