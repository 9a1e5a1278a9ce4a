package consensus

import (
	"fmt"
	"sync"
	"time"
)

type TimeoutKind uint8

const (
	TimeoutPropose TimeoutKind = iota
	TimeoutPrevote
	TimeoutPrecommit
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutPropose:
		return "propose"
	case TimeoutPrevote:
		return "prevote"
	case TimeoutPrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("timeout(%d)", uint8(k))
	}
}

// TimeoutConfig grows each step timeout linearly with the round.
type TimeoutConfig struct {
	Propose        time.Duration
	ProposeDelta   time.Duration
	Prevote        time.Duration
	PrevoteDelta   time.Duration
	Precommit      time.Duration
	PrecommitDelta time.Duration
	// Max caps every timeout; zero means no cap.
	Max time.Duration
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Propose:        3 * time.Second,
		ProposeDelta:   500 * time.Millisecond,
		Prevote:        time.Second,
		PrevoteDelta:   500 * time.Millisecond,
		Precommit:      time.Second,
		PrecommitDelta: 500 * time.Millisecond,
		Max:            time.Minute,
	}
}

func (c TimeoutConfig) Duration(kind TimeoutKind, round Round) time.Duration {
	var base, delta time.Duration
	switch kind {
	case TimeoutPropose:
		base, delta = c.Propose, c.ProposeDelta
	case TimeoutPrevote:
		base, delta = c.Prevote, c.PrevoteDelta
	default:
		base, delta = c.Precommit, c.PrecommitDelta
	}
	d := base + time.Duration(round)*delta
	if c.Max > 0 && (d > c.Max || d < base) {
		d = c.Max
	}
	return d
}

type timeoutEvent struct {
	height Height
	kind   TimeoutKind
	round  Round
}

// heightTimers delivers timeouts of one height into a shared channel. stop
// cancels pending timers and releases callbacks blocked on delivery.
type heightTimers struct {
	height Height
	out    chan<- timeoutEvent

	lock   sync.Mutex
	timers []*time.Timer
	done   chan struct{}
	closed bool
}

func newHeightTimers(height Height, out chan<- timeoutEvent) *heightTimers {
	return &heightTimers{height: height, out: out, done: make(chan struct{})}
}

func (h *heightTimers) ScheduleTimeout(height Height, kind TimeoutKind, round Round, after time.Duration) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed || height != h.height {
		return
	}
	ev := timeoutEvent{height: height, kind: kind, round: round}
	t := time.AfterFunc(after, func() {
		select {
		case h.out <- ev:
		case <-h.done:
		}
	})
	h.timers = append(h.timers, t)
}

func (h *heightTimers) stop() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.timers {
		t.Stop()
	}
	h.timers = nil
	close(h.done)
}
