package consensus

// VotesThreshold answers quorum questions for a fixed total weight.
type VotesThreshold struct {
	total  Weight
	quorum Weight
}

func NewVotesThreshold(total Weight) (VotesThreshold, error) {
	if total == 0 {
		return VotesThreshold{}, ErrZeroWeightValidatorSet
	}
	if total > MaxTotalWeight {
		return VotesThreshold{}, ErrTotalWeightOverflow
	}
	return VotesThreshold{total: total, quorum: 2*total/3 + 1}, nil
}

// HasQuorum reports accumulated >= floor(2*total/3)+1.
func (t VotesThreshold) HasQuorum(accumulated Weight) bool {
	return accumulated >= t.quorum
}

// HasOneThird reports accumulated > total/3 without rounding.
func (t VotesThreshold) HasOneThird(accumulated Weight) bool {
	return accumulated*3 > t.total
}

func (t VotesThreshold) Quorum() Weight {
	return t.quorum
}

func (t VotesThreshold) Total() Weight {
	return t.total
}
