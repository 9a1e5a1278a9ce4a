package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroWeightValidatorSet is a fatal configuration error.
	ErrZeroWeightValidatorSet = errors.New("validator set has zero total weight")
	ErrDuplicateValidator     = errors.New("duplicate validator")
	ErrTotalWeightOverflow    = errors.New("total validator weight overflow")

	ErrUnknownHeight            = errors.New("message for unknown height")
	ErrUnknownVoter             = errors.New("vote from unknown voter")
	ErrInvalidVoteSignature     = errors.New("invalid vote signature")
	ErrDuplicateConflictingVote = errors.New("conflicting duplicate vote")
	ErrContextBuildFailure      = errors.New("context failed to build proposal")
	ErrStaleMessage             = errors.New("stale message")
	ErrFutureRound              = errors.New("round too far ahead")
	ErrInvalidProposer          = errors.New("proposal from non-proposer")
	ErrMarkerPersistence        = errors.New("failed to persist last voted height")
	ErrNotStarted               = errors.New("consensus not started")
	ErrAlreadyStarted           = errors.New("consensus already started")
	ErrInsufficientPartials     = errors.New("not enough partial signatures for certificate")
	ErrMalformedProposal        = errors.New("malformed proposal")
)

// EquivocationError carries the evidence behind ErrDuplicateConflictingVote.
type EquivocationError struct {
	Evidence Evidence
}

func (e *EquivocationError) Error() string {
	a := e.Evidence.VoteA
	return fmt.Sprintf("%v: voter %s height %d round %d %s: %s vs %s", ErrDuplicateConflictingVote,
		a.Voter, a.Height, a.Round, a.Type, idString(a.ContentID), idString(e.Evidence.VoteB.ContentID))
}

func (e *EquivocationError) Unwrap() error {
	return ErrDuplicateConflictingVote
}
