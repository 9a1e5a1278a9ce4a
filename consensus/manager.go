package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/seqbft/stream"
)

// HeightSetter is told the height the Manager moved to, so buffered inputs
// of finished heights can be released.
type HeightSetter interface {
	SetHeight(height uint64)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Self      ValidatorID
	Mode      Mode
	Context   Context
	Store     VotedHeightStore
	Signer    Signer
	Verifier  Verifier
	Certifier Certifier
	Timeouts  TimeoutConfig

	Votes     <-chan Vote
	Proposals <-chan stream.Content
	// Sync carries heights known to be decided elsewhere. May be nil.
	Sync    <-chan Height
	Streams HeightSetter

	MaxFutureRounds Round
	// FutureHeightLimit bounds how far ahead messages are cached; zero means 10.
	FutureHeightLimit Height
	// FutureMessageLimit bounds the number of cached messages; zero means 10000.
	FutureMessageLimit int

	Logger  hclog.Logger
	Metrics *Metrics
}

// Manager drives consecutive heights. It owns one SingleHeightConsensus at a
// time and multiplexes votes, proposals, timeouts and sync signals in a
// single goroutine.
type Manager struct {
	cfg       ManagerConfig
	logger    hclog.Logger
	metrics   *Metrics
	timeoutCh chan timeoutEvent

	futureVotes     map[Height][]Vote
	futureProposals map[Height][]*Proposal
	futureCount     int
	// verified precommit weight per cached height, for catching up
	futureCommits map[Height]map[commitKey]*commitTally
	futureSets    map[Height]*ValidatorSet
	// catchUp is a cached height holding a precommit quorum, or zero
	catchUp Height
}

type commitKey struct {
	round Round
	id    ContentID
}

type commitTally struct {
	voters map[ValidatorID]struct{}
	weight Weight
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Context == nil {
		return nil, errors.New("manager needs a context")
	}
	if cfg.FutureHeightLimit == 0 {
		cfg.FutureHeightLimit = 10
	}
	if cfg.FutureMessageLimit == 0 {
		cfg.FutureMessageLimit = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		cfg:             cfg,
		logger:          logger,
		metrics:         cfg.Metrics,
		timeoutCh:       make(chan timeoutEvent, 64),
		futureVotes:     make(map[Height][]Vote),
		futureProposals: make(map[Height][]*Proposal),
		futureCommits:   make(map[Height]map[commitKey]*commitTally),
		futureSets:      make(map[Height]*ValidatorSet),
	}, nil
}

// Run decides heights starting at start until ctx is done or a fatal error
// occurs.
func (m *Manager) Run(ctx context.Context, start Height) error {
	height := start
	for {
		next, _, err := m.runHeight(ctx, height)
		if err != nil {
			return err
		}
		height = next
	}
}

// RunHeight runs a single height to completion. It returns a nil decision
// when a sync signal ended the height.
func (m *Manager) RunHeight(ctx context.Context, height Height) (*Decision, error) {
	_, d, err := m.runHeight(ctx, height)
	return d, err
}

func (m *Manager) modeFor(height Height) Mode {
	if m.cfg.Mode == ModeObserver || m.cfg.Store == nil {
		return m.cfg.Mode
	}
	last, ok, err := m.cfg.Store.LastVotedHeight()
	if err != nil {
		m.logger.Error("cannot read last voted height, observing", "height", height, "error", err)
		return ModeObserver
	}
	if ok && height <= last {
		m.logger.Info("already voted at this height, observing", "height", height, "last_voted", last)
		return ModeObserver
	}
	return ModeActive
}

func (m *Manager) runHeight(ctx context.Context, height Height) (Height, *Decision, error) {
	m.catchUp = 0
	m.pruneFuture(height)
	if m.cfg.Streams != nil {
		m.cfg.Streams.SetHeight(uint64(height))
	}
	validators, err := m.cfg.Context.ValidatorSet(height)
	if err != nil {
		return 0, nil, fmt.Errorf("validator set for height %d: %w", height, err)
	}
	vs, err := NewValidatorSet(validators)
	if err != nil {
		return 0, nil, err
	}
	timers := newHeightTimers(height, m.timeoutCh)
	defer timers.stop()

	shc, err := NewSingleHeightConsensus(SHCConfig{
		Height:          height,
		Self:            m.cfg.Self,
		Mode:            m.modeFor(height),
		Validators:      vs,
		Context:         m.cfg.Context,
		Scheduler:       timers,
		Timeouts:        m.cfg.Timeouts,
		Store:           m.cfg.Store,
		Signer:          m.cfg.Signer,
		Verifier:        m.cfg.Verifier,
		Certifier:       m.cfg.Certifier,
		MaxFutureRounds: m.cfg.MaxFutureRounds,
		Logger:          m.logger,
		Metrics:         m.metrics,
	})
	if err != nil {
		return 0, nil, err
	}
	d, err := shc.Start(ctx)
	if d == nil && err == nil {
		d, err = m.replayFuture(ctx, shc)
	}
	if d != nil {
		return m.finish(ctx, d, err)
	}

	votes, proposals, sync := m.cfg.Votes, m.cfg.Proposals, m.cfg.Sync
	for {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case v, ok := <-votes:
			if !ok {
				votes = nil
				continue
			}
			d, err = m.routeVote(ctx, shc, v)
		case c, ok := <-proposals:
			if !ok {
				proposals = nil
				continue
			}
			d, err = m.routeProposal(ctx, shc, c)
		case t := <-m.timeoutCh:
			if t.height != height {
				continue
			}
			d, err = shc.HandleTimeout(ctx, t.kind, t.round)
		case h, ok := <-sync:
			if !ok {
				sync = nil
				continue
			}
			if h >= height {
				m.logger.Info("synced past height", "height", height, "synced", h)
				return h + 1, nil, nil
			}
			continue
		}
		if d != nil {
			return m.finish(ctx, d, err)
		}
		m.logDropped(err)
		if m.catchUp > height {
			m.logger.Info("precommit quorum seen ahead, catching up", "height", height, "target", m.catchUp)
			return m.catchUp, nil, nil
		}
	}
}

func (m *Manager) finish(ctx context.Context, d *Decision, hookErr error) (Height, *Decision, error) {
	if hookErr != nil {
		m.logger.Error("decision hook failed", "height", d.Height, "error", hookErr)
	}
	if m.cfg.Store != nil {
		last, ok, err := m.cfg.Store.LastVotedHeight()
		if err == nil && (!ok || last < d.Height) {
			err = m.cfg.Store.SetLastVotedHeight(d.Height)
		}
		if err != nil {
			m.logger.Error("failed to persist decided height", "height", d.Height, "error", err)
		}
	}
	if f, ok := m.cfg.Context.(HeightFinalizer); ok {
		if err := f.FinalizeHeight(ctx, d.Height); err != nil {
			m.logger.Error("finalize height failed", "height", d.Height, "error", err)
		}
	}
	return d.Height + 1, d, nil
}

func (m *Manager) logDropped(err error) {
	if err == nil {
		return
	}
	var eq *EquivocationError
	switch {
	case errors.As(err, &eq):
		m.logger.Warn("equivocation", "voter", eq.Evidence.VoteA.Voter, "round", eq.Evidence.VoteA.Round,
			"type", eq.Evidence.VoteA.Type)
	case errors.Is(err, ErrInvalidVoteSignature), errors.Is(err, ErrInvalidProposer):
		m.metrics.dropped("invalid")
		m.logger.Warn("dropped message", "error", err)
	case errors.Is(err, ErrStaleMessage):
		m.metrics.dropped("stale")
	case errors.Is(err, ErrUnknownVoter):
		m.metrics.dropped("unknown_voter")
		m.logger.Debug("dropped message", "error", err)
	default:
		m.metrics.dropped("other")
		m.logger.Debug("dropped message", "error", err)
	}
}

func (m *Manager) routeVote(ctx context.Context, shc *SingleHeightConsensus, v Vote) (*Decision, error) {
	switch {
	case v.Height < shc.Height():
		return nil, fmt.Errorf("%w: vote for height %d", ErrStaleMessage, v.Height)
	case v.Height > shc.Height():
		m.cacheVote(shc.Height(), v)
		return nil, nil
	}
	return shc.HandleVote(ctx, v)
}

func (m *Manager) routeProposal(ctx context.Context, shc *SingleHeightConsensus, c stream.Content) (*Decision, error) {
	p, err := DecodeProposal(c.Data)
	if err != nil {
		return nil, err
	}
	if uint64(p.Init.Height) != c.Stream.Height || uint32(p.Init.Round) != c.Stream.Round ||
		string(p.Init.Proposer) != c.Stream.Sender {
		return nil, fmt.Errorf("%w: stream %d/%d/%s carries %d/%d/%s", ErrMalformedProposal,
			c.Stream.Height, c.Stream.Round, c.Stream.Sender, p.Init.Height, p.Init.Round, p.Init.Proposer)
	}
	switch {
	case p.Init.Height < shc.Height():
		return nil, fmt.Errorf("%w: proposal for height %d", ErrStaleMessage, p.Init.Height)
	case p.Init.Height > shc.Height():
		m.cacheProposal(shc.Height(), p)
		return nil, nil
	}
	return shc.HandleProposal(ctx, p)
}

func (m *Manager) admitFuture(current, h Height) bool {
	if h-current > m.cfg.FutureHeightLimit || m.futureCount >= m.cfg.FutureMessageLimit {
		m.metrics.dropped("future")
		return false
	}
	m.futureCount++
	return true
}

func (m *Manager) cacheVote(current Height, v Vote) {
	if !m.admitFuture(current, v.Height) {
		return
	}
	m.futureVotes[v.Height] = append(m.futureVotes[v.Height], v)
	if v.Type == Precommit && v.ContentID != nil && m.tallyFutureCommit(v) && v.Height > m.catchUp {
		m.catchUp = v.Height
	}
}

// tallyFutureCommit counts a verified precommit of a later height and reports
// whether its value reached a quorum there. Such a quorum means the network
// has moved past every height below it.
func (m *Manager) tallyFutureCommit(v Vote) bool {
	vs, ok := m.futureSets[v.Height]
	if !ok {
		validators, err := m.cfg.Context.ValidatorSet(v.Height)
		if err != nil {
			m.logger.Debug("no validator set for cached height", "height", v.Height, "error", err)
			return false
		}
		if vs, err = NewValidatorSet(validators); err != nil {
			return false
		}
		m.futureSets[v.Height] = vs
	}
	weight, ok := vs.Weight(v.Voter)
	if !ok {
		return false
	}
	if m.cfg.Verifier != nil {
		if err := m.cfg.Verifier.VerifyVote(v); err != nil {
			return false
		}
	}
	threshold, err := NewVotesThreshold(vs.TotalWeight())
	if err != nil {
		return false
	}
	commits, ok := m.futureCommits[v.Height]
	if !ok {
		commits = make(map[commitKey]*commitTally)
		m.futureCommits[v.Height] = commits
	}
	key := commitKey{round: v.Round, id: *v.ContentID}
	t, ok := commits[key]
	if !ok {
		t = &commitTally{voters: make(map[ValidatorID]struct{})}
		commits[key] = t
	}
	if _, seen := t.voters[v.Voter]; !seen {
		t.voters[v.Voter] = struct{}{}
		t.weight += weight
	}
	return threshold.HasQuorum(t.weight)
}

func (m *Manager) cacheProposal(current Height, p *Proposal) {
	if m.admitFuture(current, p.Init.Height) {
		m.futureProposals[p.Init.Height] = append(m.futureProposals[p.Init.Height], p)
	}
}

// pruneFuture drops cached messages below height.
func (m *Manager) pruneFuture(height Height) {
	for h := range m.futureCommits {
		if h <= height {
			delete(m.futureCommits, h)
		}
	}
	for h := range m.futureSets {
		if h <= height {
			delete(m.futureSets, h)
		}
	}
	for h, vs := range m.futureVotes {
		if h < height {
			m.futureCount -= len(vs)
			delete(m.futureVotes, h)
		}
	}
	for h, ps := range m.futureProposals {
		if h < height {
			m.futureCount -= len(ps)
			delete(m.futureProposals, h)
		}
	}
}

// replayFuture feeds messages cached for the new height, proposals first.
func (m *Manager) replayFuture(ctx context.Context, shc *SingleHeightConsensus) (*Decision, error) {
	h := shc.Height()
	proposals, votes := m.futureProposals[h], m.futureVotes[h]
	delete(m.futureProposals, h)
	delete(m.futureVotes, h)
	m.futureCount -= len(proposals) + len(votes)
	for _, p := range proposals {
		d, err := shc.HandleProposal(ctx, p)
		if d != nil {
			return d, err
		}
		m.logDropped(err)
	}
	for _, v := range votes {
		d, err := shc.HandleVote(ctx, v)
		if d != nil {
			return d, err
		}
		m.logDropped(err)
	}
	return nil, nil
}
