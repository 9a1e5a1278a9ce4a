package consensus

import (
	"context"
	"time"
)

// Context is the application boundary: it builds and validates proposal
// content, knows the validator set and proposer schedule, gossips votes and
// is told about decisions.
type Context interface {
	// BuildProposal builds content for init, streams it to the network and
	// returns its commitment. It may block until ctx expires.
	BuildProposal(ctx context.Context, init ProposalInit) (ContentID, error)
	// Repropose streams previously built or validated content under a new init.
	Repropose(ctx context.Context, id ContentID, init ProposalInit) error
	ValidateProposal(ctx context.Context, init ProposalInit, content []byte) (bool, error)
	ValidatorSet(height Height) ([]Validator, error)
	Proposer(height Height, round Round) ValidatorID
	Broadcast(ctx context.Context, vote Vote) error
	DecisionReached(ctx context.Context, decision Decision) error
}

// HeightFinalizer is optionally implemented by a Context that wants a hook
// after the Manager has persisted a decision and before the next height.
type HeightFinalizer interface {
	FinalizeHeight(ctx context.Context, height Height) error
}

// VotedHeightStore persists the highest height this node has voted at.
// SetLastVotedHeight must be durable when it returns.
type VotedHeightStore interface {
	LastVotedHeight() (Height, bool, error)
	SetLastVotedHeight(height Height) error
}

type Signer interface {
	SignVote(vote *Vote) error
}

type Verifier interface {
	VerifyVote(vote Vote) error
}

// Certifier turns the supporting precommits of a decision into a compact
// commit certificate.
type Certifier interface {
	Certify(decision *Decision) ([]byte, error)
}

// TimeoutScheduler arms a timeout that is later delivered back to the
// height's SingleHeightConsensus.
type TimeoutScheduler interface {
	ScheduleTimeout(height Height, kind TimeoutKind, round Round, after time.Duration)
}
