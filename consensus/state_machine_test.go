package consensus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func idOf(s string) ContentID {
	return ContentHash([]byte(s))
}

func idp(id ContentID) *ContentID {
	return &id
}

// newTestSM builds a state machine for "v0" with weight 1 out of 4.
func newTestSM(t *testing.T, proposerRounds ...Round) *StateMachine {
	t.Helper()
	th, err := NewVotesThreshold(4)
	require.NoError(t, err)
	return NewStateMachine(StateMachineConfig{
		Self:      "v0",
		Weight:    1,
		Threshold: th,
		IsProposer: func(r Round) bool {
			for _, pr := range proposerRounds {
				if pr == r {
					return true
				}
			}
			return false
		},
	})
}

func prevote(r Round, id *ContentID, voter ValidatorID) PrevoteReceived {
	return PrevoteReceived{Round: r, ID: id, Voter: voter, Weight: 1}
}

func precommit(r Round, id *ContentID, voter ValidatorID) PrecommitReceived {
	return PrecommitReceived{Round: r, ID: id, Voter: voter, Weight: 1}
}

func TestStateMachineHappyPath(t *testing.T) {
	a := idOf("a")
	sm := newTestSM(t)

	require.Equal(t, []Action{ScheduleTimeout{Kind: TimeoutPropose, Round: 0}}, sm.Start())
	require.Nil(t, sm.Start())

	acts := sm.Handle(ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1})
	require.Equal(t, []Action{
		SendPrevote{Round: 0, ID: idp(a)},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 0},
	}, acts)
	require.Equal(t, StepPrevote, sm.Step())

	require.Empty(t, sm.Handle(prevote(0, idp(a), "v1")))
	acts = sm.Handle(prevote(0, idp(a), "v2"))
	require.Equal(t, []Action{
		SendPrecommit{Round: 0, ID: idp(a)},
		ScheduleTimeout{Kind: TimeoutPrecommit, Round: 0},
	}, acts)
	locked, lockedRound := sm.Locked()
	require.Equal(t, idp(a), locked)
	require.Equal(t, int64(0), lockedRound)
	valid, validRound := sm.Valid()
	require.Equal(t, idp(a), valid)
	require.Equal(t, int64(0), validRound)

	require.Empty(t, sm.Handle(precommit(0, idp(a), "v1")))
	acts = sm.Handle(precommit(0, idp(a), "v2"))
	require.Equal(t, []Action{Decide{Round: 0, ID: a}}, acts)

	d, ok := sm.Decision()
	require.True(t, ok)
	require.Equal(t, Decide{Round: 0, ID: a}, d)
	require.Nil(t, sm.Handle(precommit(0, idp(a), "v3")))
	require.Nil(t, sm.Handle(TimeoutFired{Kind: TimeoutPrecommit, Round: 0}))
}

func TestStateMachineProposerBuilds(t *testing.T) {
	a := idOf("a")
	sm := newTestSM(t, 0)
	require.Equal(t, []Action{BuildProposal{Round: 0}}, sm.Start())
	require.Nil(t, sm.Handle(ProposalBuilt{Round: 1, ID: idp(a)}))
	require.Equal(t, []Action{
		SendPrevote{Round: 0, ID: idp(a)},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 0},
	}, sm.Handle(ProposalBuilt{Round: 0, ID: idp(a)}))
	// a second build result is ignored
	require.Nil(t, sm.Handle(ProposalBuilt{Round: 0, ID: idp(idOf("b"))}))
}

func TestStateMachineBuildFailurePrevotesNil(t *testing.T) {
	sm := newTestSM(t, 0)
	sm.Start()
	require.Equal(t, []Action{
		SendPrevote{Round: 0, ID: nil},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 0},
	}, sm.Handle(ProposalBuilt{Round: 0, ID: nil}))
}

func TestStateMachineInvalidProposalPrevotesNil(t *testing.T) {
	sm := newTestSM(t)
	sm.Start()
	require.Equal(t, []Action{
		SendPrevote{Round: 0, ID: nil},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 0},
	}, sm.Handle(ProposalReceived{Round: 0, ID: idOf("a"), Valid: false, ValidRound: -1}))
}

func TestStateMachineTimeoutProposePrevotesNil(t *testing.T) {
	sm := newTestSM(t)
	sm.Start()
	require.Equal(t, []Action{
		SendPrevote{Round: 0, ID: nil},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 0},
	}, sm.Handle(TimeoutFired{Kind: TimeoutPropose, Round: 0}))
	// a late proposal does not produce a second prevote
	require.Empty(t, sm.Handle(ProposalReceived{Round: 0, ID: idOf("a"), Valid: true, ValidRound: -1}))
}

func TestStateMachineNilQuorumsMoveRound(t *testing.T) {
	sm := newTestSM(t)
	sm.Start()
	sm.Handle(TimeoutFired{Kind: TimeoutPropose, Round: 0})
	require.Empty(t, sm.Handle(prevote(0, nil, "v1")))
	require.Equal(t, []Action{
		SendPrecommit{Round: 0, ID: nil},
		ScheduleTimeout{Kind: TimeoutPrecommit, Round: 0},
	}, sm.Handle(prevote(0, nil, "v2")))

	require.Empty(t, sm.Handle(precommit(0, nil, "v1")))
	require.Equal(t, []Action{
		MoveToRound{Round: 1},
		ScheduleTimeout{Kind: TimeoutPropose, Round: 1},
	}, sm.Handle(precommit(0, nil, "v2")))
	require.Equal(t, Round(1), sm.Round())
	require.Equal(t, StepPropose, sm.Step())

	// timeouts of round 0 are stale now
	require.Empty(t, sm.Handle(TimeoutFired{Kind: TimeoutPrevote, Round: 0}))
	require.Empty(t, sm.Handle(TimeoutFired{Kind: TimeoutPrecommit, Round: 0}))
	require.Equal(t, Round(1), sm.Round())
}

func TestStateMachineTimeoutPrevoteAndPrecommit(t *testing.T) {
	sm := newTestSM(t)
	sm.Start()
	sm.Handle(TimeoutFired{Kind: TimeoutPropose, Round: 0})
	require.Equal(t, []Action{
		SendPrecommit{Round: 0, ID: nil},
		ScheduleTimeout{Kind: TimeoutPrecommit, Round: 0},
	}, sm.Handle(TimeoutFired{Kind: TimeoutPrevote, Round: 0}))
	require.Equal(t, []Action{
		MoveToRound{Round: 1},
		ScheduleTimeout{Kind: TimeoutPropose, Round: 1},
	}, sm.Handle(TimeoutFired{Kind: TimeoutPrecommit, Round: 0}))
}

func TestStateMachineRoundSkip(t *testing.T) {
	sm := newTestSM(t)
	sm.Start()
	require.Empty(t, sm.Handle(prevote(3, nil, "v1")))
	// a second vote from the same voter adds no new weight
	require.Empty(t, sm.Handle(precommit(3, nil, "v1")))
	require.Equal(t, []Action{
		MoveToRound{Round: 3},
		ScheduleTimeout{Kind: TimeoutPropose, Round: 3},
	}, sm.Handle(prevote(3, nil, "v2")))
	require.Equal(t, Round(3), sm.Round())
}

// lockOnA drives sm to lock a in round 0 and time out into round 1.
func lockOnA(t *testing.T, sm *StateMachine, a ContentID) []Action {
	t.Helper()
	sm.Start()
	sm.Handle(ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1})
	sm.Handle(prevote(0, idp(a), "v1"))
	sm.Handle(prevote(0, idp(a), "v2"))
	locked, _ := sm.Locked()
	require.Equal(t, idp(a), locked)
	return sm.Handle(TimeoutFired{Kind: TimeoutPrecommit, Round: 0})
}

func TestStateMachineLockedRejectsOtherValue(t *testing.T) {
	a, b := idOf("a"), idOf("b")
	sm := newTestSM(t)
	lockOnA(t, sm, a)
	require.Equal(t, []Action{
		SendPrevote{Round: 1, ID: nil},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 1},
	}, sm.Handle(ProposalReceived{Round: 1, ID: b, Valid: true, ValidRound: -1}))
}

func TestStateMachineLockedAcceptsLockedValue(t *testing.T) {
	a := idOf("a")
	sm := newTestSM(t)
	lockOnA(t, sm, a)
	require.Equal(t, []Action{
		SendPrevote{Round: 1, ID: idp(a)},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 1},
	}, sm.Handle(ProposalReceived{Round: 1, ID: a, Valid: true, ValidRound: -1}))
}

func TestStateMachineReproposesValidValue(t *testing.T) {
	a := idOf("a")
	sm := newTestSM(t, 1)
	require.Equal(t, []Action{
		MoveToRound{Round: 1},
		Repropose{Round: 1, ID: a, ValidRound: 0},
		SendPrevote{Round: 1, ID: idp(a)},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 1},
	}, lockOnA(t, sm, a))
}

func TestStateMachineProposalWithEarlierPolka(t *testing.T) {
	b := idOf("b")
	sm := newTestSM(t)
	sm.Start()
	// v0 prevotes nil in round 0 while the others form a polka for b
	sm.Handle(TimeoutFired{Kind: TimeoutPropose, Round: 0})
	sm.Handle(prevote(0, idp(b), "v1"))
	sm.Handle(prevote(0, idp(b), "v2"))
	sm.Handle(prevote(0, idp(b), "v3"))
	sm.Handle(TimeoutFired{Kind: TimeoutPrevote, Round: 0})
	sm.Handle(TimeoutFired{Kind: TimeoutPrecommit, Round: 0})
	require.Equal(t, Round(1), sm.Round())

	require.Equal(t, []Action{
		SendPrevote{Round: 1, ID: idp(b)},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: 1},
	}, sm.Handle(ProposalReceived{Round: 1, ID: b, Valid: true, ValidRound: 0}))
}

func TestStateMachineDecidesEarlierRound(t *testing.T) {
	a := idOf("a")
	sm := newTestSM(t)
	sm.Start()
	sm.Handle(ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1})
	sm.Handle(TimeoutFired{Kind: TimeoutPrevote, Round: 0})
	sm.Handle(TimeoutFired{Kind: TimeoutPrecommit, Round: 0})
	require.Equal(t, Round(1), sm.Round())

	sm.Handle(precommit(0, idp(a), "v1"))
	sm.Handle(precommit(0, idp(a), "v2"))
	require.Equal(t, []Action{Decide{Round: 0, ID: a}}, sm.Handle(precommit(0, idp(a), "v3")))
}

func TestStateMachineObserverDoesNotCountItself(t *testing.T) {
	a := idOf("a")
	th, err := NewVotesThreshold(4)
	require.NoError(t, err)
	sm := NewStateMachine(StateMachineConfig{Self: "observer", Threshold: th})
	sm.Start()
	sm.Handle(ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1})
	sm.Handle(precommit(0, idp(a), "v1"))
	require.Empty(t, sm.Handle(precommit(0, idp(a), "v2")))
	require.Equal(t, []Action{Decide{Round: 0, ID: a}}, sm.Handle(precommit(0, idp(a), "v3")))
}

func TestStateMachineOrderIndependentDecision(t *testing.T) {
	a := idOf("a")
	events := []Event{
		ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1},
		prevote(0, idp(a), "v1"),
		prevote(0, idp(a), "v2"),
		prevote(0, idp(a), "v3"),
		precommit(0, idp(a), "v1"),
		precommit(0, idp(a), "v2"),
		precommit(0, idp(a), "v3"),
		prevote(1, nil, "v3"),
	}
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		sm := newTestSM(t)
		sm.Start()
		for _, j := range r.Perm(len(events)) {
			sm.Handle(events[j])
		}
		d, ok := sm.Decision()
		require.True(t, ok)
		require.Equal(t, Decide{Round: 0, ID: a}, d)
	}
}

func TestStateMachineSplitVotesDecideAtMostOnce(t *testing.T) {
	a, b := idOf("a"), idOf("b")
	cases := []struct {
		name   string
		events []Event
		want   *Decide
	}{
		{
			name: "v3 dissents",
			events: []Event{
				ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1},
				prevote(0, idp(a), "v1"),
				prevote(0, idp(a), "v2"),
				prevote(0, idp(b), "v3"),
				precommit(0, idp(a), "v1"),
				precommit(0, idp(a), "v2"),
				precommit(0, idp(b), "v3"),
				prevote(1, idp(b), "v3"),
			},
			want: &Decide{Round: 0, ID: a},
		},
		{
			name: "no value reaches a quorum",
			events: []Event{
				ProposalReceived{Round: 0, ID: a, Valid: true, ValidRound: -1},
				prevote(0, idp(a), "v1"),
				prevote(0, idp(b), "v2"),
				prevote(0, idp(b), "v3"),
				precommit(0, idp(a), "v1"),
				precommit(0, idp(b), "v2"),
				precommit(0, idp(b), "v3"),
			},
		},
	}
	r := rand.New(rand.NewSource(11))
	for _, c := range cases {
		for i := 0; i < 200; i++ {
			sm := newTestSM(t)
			acts := sm.Start()
			for _, j := range r.Perm(len(c.events)) {
				acts = append(acts, sm.Handle(c.events[j])...)
			}
			var decides []Decide
			for _, act := range acts {
				if d, ok := act.(Decide); ok {
					decides = append(decides, d)
				}
			}
			require.LessOrEqual(t, len(decides), 1, c.name)
			d, ok := sm.Decision()
			if c.want == nil {
				require.False(t, ok, c.name)
				continue
			}
			require.True(t, ok, c.name)
			require.Equal(t, *c.want, d, c.name)
			require.Equal(t, []Decide{*c.want}, decides, c.name)
		}
	}
}
