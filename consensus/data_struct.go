package consensus

import (
	"encoding/hex"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

type (
	Height      uint64
	Round       uint32
	Weight      uint64
	ValidatorID string
)

// MaxTotalWeight keeps 3*weight arithmetic inside uint64.
const MaxTotalWeight = Weight(1) << 62

// ContentID commits to the content of a proposal. A nil *ContentID is the
// "no value" sentinel used by nil votes.
type ContentID [32]byte

// ContentHash returns the commitment of proposal content.
func ContentHash(content []byte) ContentID {
	return ContentID(blake3.Sum256(content))
}

func (c ContentID) String() string {
	return hex.EncodeToString(c[:8])
}

func idString(id *ContentID) string {
	if id == nil {
		return "nil"
	}
	return id.String()
}

func sameID(a, b *ContentID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyID(id *ContentID) *ContentID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

type VoteType uint8

const (
	Prevote VoteType = iota
	Precommit
)

func (t VoteType) String() string {
	switch t {
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	default:
		return fmt.Sprintf("vote-type(%d)", uint8(t))
	}
}

// Vote is a prevote or precommit cast by Voter. Signature covers every field
// except the signatures; PartialSig is an optional threshold share over the
// commit bytes of a non-nil precommit.
type Vote struct {
	Type       VoteType
	Height     Height
	Round      Round
	ContentID  *ContentID
	Voter      ValidatorID
	Signature  []byte
	PartialSig []byte
}

// sameBallot reports whether two votes carry the same choice.
func (v Vote) sameBallot(o Vote) bool {
	return v.Type == o.Type && v.Height == o.Height && v.Round == o.Round &&
		v.Voter == o.Voter && sameID(v.ContentID, o.ContentID)
}

// ProposalInit identifies a proposal stream. ValidRound is -1 unless the
// proposer re-proposes a value that gathered a prevote quorum earlier.
type ProposalInit struct {
	Height     Height
	Round      Round
	Proposer   ValidatorID
	ValidRound int64
}

// Proposal is what a proposal stream reassembles into.
type Proposal struct {
	Init      ProposalInit
	ContentID ContentID
	Content   []byte
}

// Decision is the outcome of one height.
type Decision struct {
	Height      Height
	Round       Round
	ContentID   ContentID
	Precommits  []Vote
	Certificate []byte
}

// Evidence is a pair of conflicting votes from the same voter for the same
// (height, round, type).
type Evidence struct {
	VoteA Vote
	VoteB Vote
}

type Validator struct {
	ID     ValidatorID
	Weight Weight
}

// ValidatorSet is the read-only weighted snapshot of one height.
type ValidatorSet struct {
	validators []Validator
	weights    map[ValidatorID]Weight
	total      Weight
}

func NewValidatorSet(validators []Validator) (*ValidatorSet, error) {
	vs := &ValidatorSet{
		validators: make([]Validator, 0, len(validators)),
		weights:    make(map[ValidatorID]Weight, len(validators)),
	}
	for _, v := range validators {
		if _, ok := vs.weights[v.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.ID)
		}
		if v.Weight > MaxTotalWeight-vs.total {
			return nil, fmt.Errorf("%w: exceeds %d", ErrTotalWeightOverflow, MaxTotalWeight)
		}
		vs.weights[v.ID] = v.Weight
		vs.total += v.Weight
		vs.validators = append(vs.validators, v)
	}
	sort.Slice(vs.validators, func(i, j int) bool {
		return vs.validators[i].ID < vs.validators[j].ID
	})
	return vs, nil
}

func (vs *ValidatorSet) Weight(id ValidatorID) (Weight, bool) {
	w, ok := vs.weights[id]
	return w, ok
}

func (vs *ValidatorSet) TotalWeight() Weight {
	return vs.total
}

func (vs *ValidatorSet) Len() int {
	return len(vs.validators)
}

// Validators returns the validators sorted by id.
func (vs *ValidatorSet) Validators() []Validator {
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}
