package consensus

import (
	"fmt"
	"sort"
)

type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Event is an input to the StateMachine.
type Event interface {
	isEvent()
}

// ProposalBuilt reports the outcome of this node's own BuildProposal. A nil
// ID means the build failed.
type ProposalBuilt struct {
	Round Round
	ID    *ContentID
}

// ProposalReceived reports a proposal from the round's proposer. ID is the
// declared commitment; Valid is the outcome of validation against it.
type ProposalReceived struct {
	Round      Round
	ID         ContentID
	Valid      bool
	ValidRound int64
}

type PrevoteReceived struct {
	Round  Round
	ID     *ContentID
	Voter  ValidatorID
	Weight Weight
}

type PrecommitReceived struct {
	Round  Round
	ID     *ContentID
	Voter  ValidatorID
	Weight Weight
}

type TimeoutFired struct {
	Kind  TimeoutKind
	Round Round
}

func (ProposalBuilt) isEvent()     {}
func (ProposalReceived) isEvent()  {}
func (PrevoteReceived) isEvent()   {}
func (PrecommitReceived) isEvent() {}
func (TimeoutFired) isEvent()      {}

// Action is an output of the StateMachine, executed by its owner.
type Action interface {
	isAction()
}

type BuildProposal struct {
	Round Round
}

type Repropose struct {
	Round      Round
	ID         ContentID
	ValidRound Round
}

type SendPrevote struct {
	Round Round
	ID    *ContentID
}

type SendPrecommit struct {
	Round Round
	ID    *ContentID
}

type Decide struct {
	Round Round
	ID    ContentID
}

type MoveToRound struct {
	Round Round
}

type ScheduleTimeout struct {
	Kind  TimeoutKind
	Round Round
}

func (BuildProposal) isAction()   {}
func (Repropose) isAction()       {}
func (SendPrevote) isAction()     {}
func (SendPrecommit) isAction()   {}
func (Decide) isAction()          {}
func (MoveToRound) isAction()     {}
func (ScheduleTimeout) isAction() {}

type tally struct {
	byID   map[ContentID]Weight
	nilSum Weight
}

func (t *tally) add(id *ContentID, w Weight) {
	if id == nil {
		t.nilSum += w
		return
	}
	t.byID[*id] += w
}

func (t *tally) weightFor(id ContentID) Weight {
	return t.byID[id]
}

type roundVotes struct {
	prevotes   tally
	precommits tally
	// distinct voters of any type, for the round-skip rule
	voters      map[ValidatorID]struct{}
	voterWeight Weight
}

func newRoundVotes() *roundVotes {
	return &roundVotes{
		prevotes:   tally{byID: make(map[ContentID]Weight)},
		precommits: tally{byID: make(map[ContentID]Weight)},
		voters:     make(map[ValidatorID]struct{}),
	}
}

func (rv *roundVotes) seeVoter(id ValidatorID, w Weight) {
	if _, ok := rv.voters[id]; ok {
		return
	}
	rv.voters[id] = struct{}{}
	rv.voterWeight += w
}

type proposalEntry struct {
	id         *ContentID
	valid      bool
	validRound int64
}

// StateMachineConfig configures a StateMachine.
type StateMachineConfig struct {
	Self ValidatorID
	// Weight is this node's voting weight; zero for an observer, whose own
	// votes are never counted.
	Weight    Weight
	Threshold VotesThreshold
	// IsProposer reports whether this node proposes in round.
	IsProposer func(round Round) bool
}

// StateMachine is the deterministic Tendermint core of one height. It does
// no I/O; it consumes events and returns actions in emission order. Each
// vote event must reach it at most once per (voter, round, type).
type StateMachine struct {
	self       ValidatorID
	weight     Weight
	threshold  VotesThreshold
	isProposer func(Round) bool

	round         Round
	step          Step
	started       bool
	awaitingBuild bool
	decision      *Decide

	lockedValue *ContentID
	lockedRound int64
	validValue  *ContentID
	validRound  int64

	proposals map[Round]proposalEntry
	votes     map[Round]*roundVotes
	// rounds where the upon-polka-for-proposal rule has fired
	polkaSeen map[Round]bool
}

func NewStateMachine(cfg StateMachineConfig) *StateMachine {
	isProposer := cfg.IsProposer
	if isProposer == nil {
		isProposer = func(Round) bool { return false }
	}
	return &StateMachine{
		self:        cfg.Self,
		weight:      cfg.Weight,
		threshold:   cfg.Threshold,
		isProposer:  isProposer,
		lockedRound: -1,
		validRound:  -1,
		proposals:   make(map[Round]proposalEntry),
		votes:       make(map[Round]*roundVotes),
		polkaSeen:   make(map[Round]bool),
	}
}

func (sm *StateMachine) Round() Round {
	return sm.round
}

func (sm *StateMachine) Step() Step {
	return sm.step
}

func (sm *StateMachine) Locked() (*ContentID, int64) {
	return copyID(sm.lockedValue), sm.lockedRound
}

func (sm *StateMachine) Valid() (*ContentID, int64) {
	return copyID(sm.validValue), sm.validRound
}

// Decision returns the decided value, if any.
func (sm *StateMachine) Decision() (Decide, bool) {
	if sm.decision == nil {
		return Decide{}, false
	}
	return *sm.decision, true
}

// Start enters round 0. It is a no-op after the first call.
func (sm *StateMachine) Start() []Action {
	if sm.started {
		return nil
	}
	sm.started = true
	out := sm.startRound(0)
	return append(out, sm.process()...)
}

// Handle applies one event and returns the resulting actions.
func (sm *StateMachine) Handle(ev Event) []Action {
	if sm.decision != nil {
		return nil
	}
	var out []Action
	switch e := ev.(type) {
	case ProposalBuilt:
		if !sm.awaitingBuild || e.Round != sm.round {
			return nil
		}
		sm.awaitingBuild = false
		if _, ok := sm.proposals[e.Round]; !ok {
			sm.proposals[e.Round] = proposalEntry{id: copyID(e.ID), valid: e.ID != nil, validRound: -1}
		}
	case ProposalReceived:
		if _, ok := sm.proposals[e.Round]; ok {
			return nil
		}
		id := e.ID
		vr := e.ValidRound
		if vr < -1 || vr >= int64(e.Round) {
			vr = -1
		}
		sm.proposals[e.Round] = proposalEntry{id: &id, valid: e.Valid, validRound: vr}
	case PrevoteReceived:
		rv := sm.roundVotes(e.Round)
		rv.prevotes.add(e.ID, e.Weight)
		rv.seeVoter(e.Voter, e.Weight)
	case PrecommitReceived:
		rv := sm.roundVotes(e.Round)
		rv.precommits.add(e.ID, e.Weight)
		rv.seeVoter(e.Voter, e.Weight)
	case TimeoutFired:
		out = sm.onTimeout(e)
	default:
		return nil
	}
	if !sm.started {
		return out
	}
	return append(out, sm.process()...)
}

func (sm *StateMachine) roundVotes(r Round) *roundVotes {
	rv, ok := sm.votes[r]
	if !ok {
		rv = newRoundVotes()
		sm.votes[r] = rv
	}
	return rv
}

func (sm *StateMachine) startRound(r Round) []Action {
	sm.round = r
	sm.step = StepPropose
	sm.awaitingBuild = false
	if !sm.isProposer(r) {
		return []Action{ScheduleTimeout{Kind: TimeoutPropose, Round: r}}
	}
	if sm.validValue != nil {
		id := *sm.validValue
		if _, ok := sm.proposals[r]; !ok {
			sm.proposals[r] = proposalEntry{id: &id, valid: true, validRound: sm.validRound}
		}
		return []Action{Repropose{Round: r, ID: id, ValidRound: Round(sm.validRound)}}
	}
	sm.awaitingBuild = true
	return []Action{BuildProposal{Round: r}}
}

func (sm *StateMachine) moveTo(r Round) []Action {
	out := []Action{MoveToRound{Round: r}}
	return append(out, sm.startRound(r)...)
}

func (sm *StateMachine) onTimeout(e TimeoutFired) []Action {
	if e.Round != sm.round {
		return nil
	}
	switch e.Kind {
	case TimeoutPropose:
		if sm.step == StepPropose {
			return sm.prevote(nil)
		}
	case TimeoutPrevote:
		if sm.step == StepPrevote {
			return sm.precommit(nil)
		}
	case TimeoutPrecommit:
		return sm.moveTo(sm.round + 1)
	}
	return nil
}

func (sm *StateMachine) prevote(id *ContentID) []Action {
	sm.step = StepPrevote
	sm.castOwn(Prevote, id)
	return []Action{
		SendPrevote{Round: sm.round, ID: copyID(id)},
		ScheduleTimeout{Kind: TimeoutPrevote, Round: sm.round},
	}
}

func (sm *StateMachine) precommit(id *ContentID) []Action {
	sm.step = StepPrecommit
	sm.castOwn(Precommit, id)
	return []Action{
		SendPrecommit{Round: sm.round, ID: copyID(id)},
		ScheduleTimeout{Kind: TimeoutPrecommit, Round: sm.round},
	}
}

func (sm *StateMachine) castOwn(t VoteType, id *ContentID) {
	if sm.weight == 0 {
		return
	}
	rv := sm.roundVotes(sm.round)
	if t == Prevote {
		rv.prevotes.add(id, sm.weight)
	} else {
		rv.precommits.add(id, sm.weight)
	}
	rv.seeVoter(sm.self, sm.weight)
}

// process applies the upon-rules until none fires.
func (sm *StateMachine) process() []Action {
	var out []Action
	for sm.decision == nil {
		acts, fired := sm.applyRules()
		out = append(out, acts...)
		if !fired {
			break
		}
	}
	return out
}

func (sm *StateMachine) applyRules() ([]Action, bool) {
	rules := []func() ([]Action, bool){
		sm.uponCommitQuorum,
		sm.uponRoundSkip,
		sm.uponProposal,
		sm.uponProposalWithPolka,
		sm.uponPolkaForProposal,
		sm.uponPolkaNil,
		sm.uponPrecommitNil,
	}
	for _, rule := range rules {
		if acts, ok := rule(); ok {
			return acts, true
		}
	}
	return nil, false
}

func (sm *StateMachine) sortedRounds() []Round {
	rounds := make([]Round, 0, len(sm.votes))
	for r := range sm.votes {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds
}

// A valid proposal of any round with a precommit quorum decides.
func (sm *StateMachine) uponCommitQuorum() ([]Action, bool) {
	for _, r := range sm.sortedRounds() {
		p, ok := sm.proposals[r]
		if !ok || !p.valid || p.id == nil {
			continue
		}
		if sm.threshold.HasQuorum(sm.votes[r].precommits.weightFor(*p.id)) {
			sm.decision = &Decide{Round: r, ID: *p.id}
			return []Action{*sm.decision}, true
		}
	}
	return nil, false
}

// More than a third of the weight speaking in a later round pulls us there.
func (sm *StateMachine) uponRoundSkip() ([]Action, bool) {
	rounds := sm.sortedRounds()
	for i := len(rounds) - 1; i >= 0; i-- {
		r := rounds[i]
		if r <= sm.round {
			break
		}
		if sm.threshold.HasOneThird(sm.votes[r].voterWeight) {
			return sm.moveTo(r), true
		}
	}
	return nil, false
}

func (sm *StateMachine) uponProposal() ([]Action, bool) {
	if sm.step != StepPropose {
		return nil, false
	}
	p, ok := sm.proposals[sm.round]
	if !ok || p.validRound != -1 {
		return nil, false
	}
	if p.valid && (sm.lockedRound == -1 || sameID(sm.lockedValue, p.id)) {
		return sm.prevote(p.id), true
	}
	return sm.prevote(nil), true
}

func (sm *StateMachine) uponProposalWithPolka() ([]Action, bool) {
	if sm.step != StepPropose {
		return nil, false
	}
	p, ok := sm.proposals[sm.round]
	if !ok || p.validRound < 0 || p.id == nil {
		return nil, false
	}
	rv, ok := sm.votes[Round(p.validRound)]
	if !ok || !sm.threshold.HasQuorum(rv.prevotes.weightFor(*p.id)) {
		return nil, false
	}
	if p.valid && (sm.lockedRound <= p.validRound || sameID(sm.lockedValue, p.id)) {
		return sm.prevote(p.id), true
	}
	return sm.prevote(nil), true
}

func (sm *StateMachine) uponPolkaForProposal() ([]Action, bool) {
	if sm.step == StepPropose || sm.polkaSeen[sm.round] {
		return nil, false
	}
	p, ok := sm.proposals[sm.round]
	if !ok || !p.valid || p.id == nil {
		return nil, false
	}
	rv, ok := sm.votes[sm.round]
	if !ok || !sm.threshold.HasQuorum(rv.prevotes.weightFor(*p.id)) {
		return nil, false
	}
	sm.polkaSeen[sm.round] = true
	var out []Action
	if sm.step == StepPrevote {
		sm.lockedValue = copyID(p.id)
		sm.lockedRound = int64(sm.round)
		out = sm.precommit(p.id)
	}
	sm.validValue = copyID(p.id)
	sm.validRound = int64(sm.round)
	return out, true
}

func (sm *StateMachine) uponPolkaNil() ([]Action, bool) {
	if sm.step != StepPrevote {
		return nil, false
	}
	rv, ok := sm.votes[sm.round]
	if !ok || !sm.threshold.HasQuorum(rv.prevotes.nilSum) {
		return nil, false
	}
	return sm.precommit(nil), true
}

func (sm *StateMachine) uponPrecommitNil() ([]Action, bool) {
	rv, ok := sm.votes[sm.round]
	if !ok || !sm.threshold.HasQuorum(rv.precommits.nilSum) {
		return nil, false
	}
	return sm.moveTo(sm.round + 1), true
}
