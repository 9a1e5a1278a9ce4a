package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Mode uint8

const (
	ModeActive Mode = iota
	ModeObserver
)

func (m Mode) String() string {
	if m == ModeObserver {
		return "observer"
	}
	return "active"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "active", "validator":
		return ModeActive, nil
	case "observer":
		return ModeObserver, nil
	default:
		return ModeActive, fmt.Errorf("unknown consensus mode %q", s)
	}
}

// SHCConfig wires a SingleHeightConsensus.
type SHCConfig struct {
	Height     Height
	Self       ValidatorID
	Mode       Mode
	Validators *ValidatorSet
	Context    Context
	Scheduler  TimeoutScheduler
	Timeouts   TimeoutConfig
	// Store is consulted before the first vote of the height. May be nil.
	Store VotedHeightStore
	// Signer may be nil only in observer mode.
	Signer Signer
	// Verifier may be nil, in which case signatures are not checked.
	Verifier  Verifier
	Certifier Certifier
	// MaxFutureRounds bounds how far ahead of the current round messages are
	// accepted. Zero means 10.
	MaxFutureRounds Round
	Logger          hclog.Logger
	Metrics         *Metrics
}

type voteKey struct {
	round Round
	kind  VoteType
	voter ValidatorID
}

// SingleHeightConsensus runs the state machine for one height: it checks
// incoming messages, feeds them to the StateMachine and executes the
// resulting actions against the Context. It is not safe for concurrent use.
type SingleHeightConsensus struct {
	height     Height
	self       ValidatorID
	mode       Mode
	validators *ValidatorSet
	threshold  VotesThreshold
	ctx        Context
	scheduler  TimeoutScheduler
	timeouts   TimeoutConfig
	store      VotedHeightStore
	signer     Signer
	verifier   Verifier
	certifier  Certifier
	maxAhead   Round
	logger     hclog.Logger
	metrics    *Metrics

	sm        *StateMachine
	votes     map[voteKey]Vote
	proposals map[Round]*Proposal
	evidence  []Evidence
	// keys with recorded evidence
	conflicted map[voteKey]bool
	decision   *Decision
}

func NewSingleHeightConsensus(cfg SHCConfig) (*SingleHeightConsensus, error) {
	if cfg.Validators == nil || cfg.Context == nil || cfg.Scheduler == nil {
		return nil, errors.New("single height consensus needs validators, context and scheduler")
	}
	threshold, err := NewVotesThreshold(cfg.Validators.TotalWeight())
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	maxAhead := cfg.MaxFutureRounds
	if maxAhead == 0 {
		maxAhead = 10
	}
	mode := cfg.Mode
	if _, ok := cfg.Validators.Weight(cfg.Self); !ok || cfg.Signer == nil {
		mode = ModeObserver
	}
	return &SingleHeightConsensus{
		height:     cfg.Height,
		self:       cfg.Self,
		mode:       mode,
		validators: cfg.Validators,
		threshold:  threshold,
		ctx:        cfg.Context,
		scheduler:  cfg.Scheduler,
		timeouts:   cfg.Timeouts,
		store:      cfg.Store,
		signer:     cfg.Signer,
		verifier:   cfg.Verifier,
		certifier:  cfg.Certifier,
		maxAhead:   maxAhead,
		logger:     logger.With("height", cfg.Height),
		metrics:    cfg.Metrics,
		votes:      make(map[voteKey]Vote),
		proposals:  make(map[Round]*Proposal),
		conflicted: make(map[voteKey]bool),
	}, nil
}

func (s *SingleHeightConsensus) Height() Height {
	return s.height
}

func (s *SingleHeightConsensus) Mode() Mode {
	return s.mode
}

func (s *SingleHeightConsensus) Round() Round {
	if s.sm == nil {
		return 0
	}
	return s.sm.Round()
}

func (s *SingleHeightConsensus) Evidence() []Evidence {
	out := make([]Evidence, len(s.evidence))
	copy(out, s.evidence)
	return out
}

func (s *SingleHeightConsensus) Decision() (Decision, bool) {
	if s.decision == nil {
		return Decision{}, false
	}
	return *s.decision, true
}

// Start persists the voted-height marker when voting and enters round 0.
func (s *SingleHeightConsensus) Start(ctx context.Context) (*Decision, error) {
	if s.sm != nil {
		return nil, ErrAlreadyStarted
	}
	if s.mode == ModeActive {
		if err := s.persistMarker(); err != nil {
			s.logger.Error("demoted to observer for this height", "error", err)
			s.mode = ModeObserver
		}
	}
	if s.mode == ModeObserver {
		s.metrics.observer()
	}
	var weight Weight
	if s.mode == ModeActive {
		weight, _ = s.validators.Weight(s.self)
	}
	s.sm = NewStateMachine(StateMachineConfig{
		Self:      s.self,
		Weight:    weight,
		Threshold: s.threshold,
		IsProposer: func(r Round) bool {
			return s.mode == ModeActive && s.ctx.Proposer(s.height, r) == s.self
		},
	})
	s.logger.Debug("start height", "mode", s.mode, "validators", s.validators.Len(), "quorum", s.threshold.Quorum())
	s.metrics.setHeight(s.height)
	return s.apply(ctx, s.sm.Start())
}

func (s *SingleHeightConsensus) persistMarker() error {
	if s.store == nil {
		return nil
	}
	last, ok, err := s.store.LastVotedHeight()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMarkerPersistence, err)
	}
	if ok && last >= s.height {
		return nil
	}
	if err := s.store.SetLastVotedHeight(s.height); err != nil {
		return fmt.Errorf("%w: %v", ErrMarkerPersistence, err)
	}
	return nil
}

func (s *SingleHeightConsensus) checkRound(r Round) error {
	if cur := s.sm.Round(); r > cur && r-cur > s.maxAhead {
		return fmt.Errorf("%w: round %d, current %d", ErrFutureRound, r, cur)
	}
	return nil
}

// HandleVote checks v and feeds it to the state machine. Exact duplicates are
// ignored; a conflicting vote returns an *EquivocationError.
func (s *SingleHeightConsensus) HandleVote(ctx context.Context, v Vote) (*Decision, error) {
	if s.sm == nil {
		return nil, ErrNotStarted
	}
	if v.Height != s.height {
		return nil, fmt.Errorf("%w: vote height %d, consensus height %d", ErrUnknownHeight, v.Height, s.height)
	}
	weight, ok := s.validators.Weight(v.Voter)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVoter, v.Voter)
	}
	if err := s.checkRound(v.Round); err != nil {
		return nil, err
	}
	key := voteKey{round: v.Round, kind: v.Type, voter: v.Voter}
	if prev, ok := s.votes[key]; ok && prev.sameBallot(v) {
		return nil, nil
	}
	if s.conflicted[key] {
		// one piece of evidence per voter, round and type is enough
		return nil, nil
	}
	if s.verifier != nil {
		if err := s.verifier.VerifyVote(v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidVoteSignature, err)
		}
	}
	if prev, ok := s.votes[key]; ok {
		ev := Evidence{VoteA: prev, VoteB: v}
		s.evidence = append(s.evidence, ev)
		s.conflicted[key] = true
		s.metrics.equivocation()
		return nil, &EquivocationError{Evidence: ev}
	}
	s.votes[key] = v
	if s.decision != nil {
		return nil, nil
	}
	var ev Event
	if v.Type == Prevote {
		ev = PrevoteReceived{Round: v.Round, ID: copyID(v.ContentID), Voter: v.Voter, Weight: weight}
	} else {
		ev = PrecommitReceived{Round: v.Round, ID: copyID(v.ContentID), Voter: v.Voter, Weight: weight}
	}
	return s.apply(ctx, s.sm.Handle(ev))
}

// HandleProposal validates a reassembled proposal and feeds it to the state
// machine. Only the first proposal per round counts.
func (s *SingleHeightConsensus) HandleProposal(ctx context.Context, p *Proposal) (*Decision, error) {
	if s.sm == nil {
		return nil, ErrNotStarted
	}
	init := p.Init
	if init.Height != s.height {
		return nil, fmt.Errorf("%w: proposal height %d, consensus height %d", ErrUnknownHeight, init.Height, s.height)
	}
	if err := s.checkRound(init.Round); err != nil {
		return nil, err
	}
	if want := s.ctx.Proposer(s.height, init.Round); init.Proposer != want {
		return nil, fmt.Errorf("%w: round %d got %s, want %s", ErrInvalidProposer, init.Round, init.Proposer, want)
	}
	if init.Proposer == s.self && s.mode == ModeActive {
		// our own stream echoed back; the state machine already has it
		return nil, nil
	}
	if prev, ok := s.proposals[init.Round]; ok {
		if prev.ContentID != p.ContentID {
			s.logger.Warn("proposer sent conflicting proposals", "round", init.Round, "proposer", init.Proposer,
				"first", prev.ContentID, "second", p.ContentID)
		}
		return nil, nil
	}
	s.proposals[init.Round] = p
	if s.decision != nil {
		return nil, nil
	}
	valid := false
	if ContentHash(p.Content) != p.ContentID {
		s.logger.Warn("proposal content does not match its commitment", "round", init.Round, "proposer", init.Proposer)
	} else {
		ok, err := s.ctx.ValidateProposal(ctx, init, p.Content)
		if err != nil {
			s.logger.Warn("proposal validation failed", "round", init.Round, "error", err)
		}
		valid = ok && err == nil
	}
	s.logger.Debug("received proposal", "round", init.Round, "proposer", init.Proposer,
		"id", p.ContentID, "valid", valid, "valid_round", init.ValidRound)
	return s.apply(ctx, s.sm.Handle(ProposalReceived{
		Round:      init.Round,
		ID:         p.ContentID,
		Valid:      valid,
		ValidRound: init.ValidRound,
	}))
}

// HandleTimeout delivers a fired timeout. Timeouts of earlier rounds are stale.
func (s *SingleHeightConsensus) HandleTimeout(ctx context.Context, kind TimeoutKind, round Round) (*Decision, error) {
	if s.sm == nil {
		return nil, ErrNotStarted
	}
	if round < s.sm.Round() {
		return nil, nil
	}
	if s.decision != nil {
		return nil, nil
	}
	s.logger.Debug("timeout", "kind", kind, "round", round)
	return s.apply(ctx, s.sm.Handle(TimeoutFired{Kind: kind, Round: round}))
}

func (s *SingleHeightConsensus) apply(ctx context.Context, actions []Action) (*Decision, error) {
	for len(actions) > 0 {
		a := actions[0]
		actions = actions[1:]
		switch act := a.(type) {
		case BuildProposal:
			id := s.buildProposal(ctx, act.Round)
			actions = append(actions, s.sm.Handle(ProposalBuilt{Round: act.Round, ID: id})...)
		case Repropose:
			init := ProposalInit{Height: s.height, Round: act.Round, Proposer: s.self, ValidRound: int64(act.ValidRound)}
			if err := s.ctx.Repropose(ctx, act.ID, init); err != nil {
				s.logger.Warn("repropose failed", "round", act.Round, "id", act.ID, "error", err)
			}
		case SendPrevote:
			s.sendVote(ctx, Prevote, act.Round, act.ID)
		case SendPrecommit:
			s.sendVote(ctx, Precommit, act.Round, act.ID)
		case ScheduleTimeout:
			s.scheduler.ScheduleTimeout(s.height, act.Kind, act.Round, s.timeouts.Duration(act.Kind, act.Round))
		case MoveToRound:
			s.logger.Debug("move to round", "round", act.Round)
			s.metrics.setRound(act.Round)
		case Decide:
			return s.decide(ctx, act)
		}
	}
	return nil, nil
}

func (s *SingleHeightConsensus) buildProposal(ctx context.Context, r Round) *ContentID {
	init := ProposalInit{Height: s.height, Round: r, Proposer: s.self, ValidRound: -1}
	bctx, cancel := context.WithTimeout(ctx, s.timeouts.Duration(TimeoutPropose, r))
	defer cancel()
	id, err := s.ctx.BuildProposal(bctx, init)
	if err != nil {
		s.logger.Warn("proposing nil", "round", r, "error", fmt.Errorf("%w: %v", ErrContextBuildFailure, err))
		return nil
	}
	s.logger.Debug("built proposal", "round", r, "id", id)
	return &id
}

func (s *SingleHeightConsensus) sendVote(ctx context.Context, t VoteType, r Round, id *ContentID) {
	if s.mode != ModeActive {
		return
	}
	v := Vote{Type: t, Height: s.height, Round: r, ContentID: copyID(id), Voter: s.self}
	if err := s.signer.SignVote(&v); err != nil {
		s.logger.Error("failed to sign vote", "type", t, "round", r, "error", err)
		return
	}
	s.votes[voteKey{round: r, kind: t, voter: s.self}] = v
	s.logger.Debug("vote", "type", t, "round", r, "id", idString(id))
	if err := s.ctx.Broadcast(ctx, v); err != nil {
		s.logger.Warn("failed to broadcast vote", "type", t, "round", r, "error", err)
	}
}

func (s *SingleHeightConsensus) decide(ctx context.Context, act Decide) (*Decision, error) {
	if s.decision != nil {
		return nil, nil
	}
	var precommits []Vote
	for key, v := range s.votes {
		if key.kind == Precommit && key.round == act.Round && v.ContentID != nil && *v.ContentID == act.ID {
			precommits = append(precommits, v)
		}
	}
	sort.Slice(precommits, func(i, j int) bool { return precommits[i].Voter < precommits[j].Voter })
	d := &Decision{Height: s.height, Round: act.Round, ContentID: act.ID, Precommits: precommits}
	if s.certifier != nil {
		cert, err := s.certifier.Certify(d)
		if err != nil {
			s.logger.Debug("no commit certificate", "error", err)
		} else {
			d.Certificate = cert
		}
	}
	s.decision = d
	s.metrics.decided(act.Round)
	s.logger.Info("decided", "round", act.Round, "id", act.ID, "precommits", len(precommits))
	if err := s.ctx.DecisionReached(ctx, *d); err != nil {
		return d, fmt.Errorf("decision hook: %w", err)
	}
	return d, nil
}
