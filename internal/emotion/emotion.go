// Package emotion implements the pressure, affinity, blocking, and jealousy
// state machine of an agent. Transitions are pure: they describe a change and
// leave persistence to the caller.
package emotion

import (
	"time"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/store"
)

// Policy holds the tunable thresholds of the state machine.
type Policy struct {
	// Multipliers scale the proactive delay by pressure level. Must be
	// non-increasing; levels past the end use the last entry.
	Multipliers []float64
	// PanicPenalty is subtracted from affinity once, on entering MaxPressure.
	PanicPenalty int
	// BlockThreshold blocks the agent when affinity falls to or below it
	// on entering MaxPressure.
	BlockThreshold int
	// TransferBonus is added to affinity when the agent receives money.
	TransferBonus int
	// MinExactDelay is the lower clamp in minutes of a self-scheduled wake-up.
	MinExactDelay float64

	JealousyMinDelay time.Duration
	JealousyMaxDelay time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Multipliers:      []float64{1.0, 0.8, 0.6, 0.3, 0.2},
		PanicPenalty:     10,
		BlockThreshold:   10,
		TransferBonus:    5,
		MinExactDelay:    0.1,
		JealousyMinDelay: 5 * time.Second,
		JealousyMaxDelay: 20 * time.Second,
	}
}

// Transition is the outcome of one state machine step.
type Transition struct {
	From, To      int
	AffinityDelta int
	EnteredPanic  bool
	Block         bool
	Unblock       bool
}

// Changed reports whether applying t would mutate the agent.
func (t Transition) Changed() bool {
	return t.From != t.To || t.AffinityDelta != 0 || t.Block || t.Unblock
}

// Patch converts t into a store mutation.
func (t Transition) Patch() store.AgentPatch {
	level := t.To
	patch := store.AgentPatch{PressureLevel: &level, AffinityDelta: t.AffinityDelta}
	switch {
	case t.Block:
		blocked := true
		patch.IsBlocked = &blocked
	case t.Unblock:
		blocked := false
		patch.IsBlocked = &blocked
	}
	return patch
}

// Apply returns a copy of a with t applied.
func (t Transition) Apply(a domain.Agent) domain.Agent {
	a.PressureLevel = domain.ClampPressure(t.To)
	a.Affinity = domain.ClampAffinity(a.Affinity + t.AffinityDelta)
	if t.Block {
		a.IsBlocked = true
	}
	if t.Unblock {
		a.IsBlocked = false
	}
	return a
}

// Multiplier returns the proactive delay factor for a pressure level.
func (p Policy) Multiplier(level int) float64 {
	if len(p.Multipliers) == 0 {
		return 1
	}
	level = domain.ClampPressure(level)
	if level >= len(p.Multipliers) {
		return p.Multipliers[len(p.Multipliers)-1]
	}
	return p.Multipliers[level]
}

// Escalate is the step taken before a scheduler-fired cycle. Pressure rises
// by one up to MaxPressure. Entering MaxPressure costs PanicPenalty affinity
// and blocks the agent if affinity ends at or below BlockThreshold.
func (p Policy) Escalate(a domain.Agent) Transition {
	t := Transition{From: a.PressureLevel, To: a.PressureLevel}
	if !a.PressureEnabled {
		return t
	}
	t.To = domain.ClampPressure(a.PressureLevel + 1)
	if t.From < domain.MaxPressure && t.To == domain.MaxPressure {
		t.EnteredPanic = true
		t.AffinityDelta = -p.PanicPenalty
		if domain.ClampAffinity(a.Affinity-p.PanicPenalty) <= p.BlockThreshold {
			t.Block = true
		}
	}
	return t
}

// ResetPressure is the step taken when the user messages the agent.
func (p Policy) ResetPressure(a domain.Agent) Transition {
	return Transition{From: a.PressureLevel, To: 0}
}

// ReceiveTransfer is the step taken when the agent receives money from the
// user: pressure resets, any block is lifted, and affinity recovers.
func (p Policy) ReceiveTransfer(a domain.Agent) Transition {
	return Transition{
		From:          a.PressureLevel,
		To:            0,
		AffinityDelta: p.TransferBonus,
		Unblock:       a.IsBlocked,
	}
}

// RollJealousy reports whether a may fire a jealousy message given a uniform
// roll in [0,1).
func (p Policy) RollJealousy(a domain.Agent, roll float64) bool {
	return a.JealousyEnabled && a.CanSchedule() && roll < a.JealousyChance
}

// JealousyDelay maps a uniform roll in [0,1) onto the jealousy delay window.
func (p Policy) JealousyDelay(roll float64) time.Duration {
	span := p.JealousyMaxDelay - p.JealousyMinDelay
	if span <= 0 {
		return p.JealousyMinDelay
	}
	return p.JealousyMinDelay + time.Duration(roll*float64(span))
}

// ProactiveDelay maps a uniform roll in [0,1) onto the agent's interval and
// scales it by the pressure multiplier. The result is in minutes.
func (p Policy) ProactiveDelay(a domain.Agent, roll float64) float64 {
	lo, hi := a.MinInterval, a.MaxInterval
	if hi < lo {
		lo, hi = hi, lo
	}
	return (lo + roll*(hi-lo)) * p.Multiplier(a.PressureLevel)
}

// ExactDelay clamps a self-scheduled delay to (MinExactDelay, MaxInterval).
func (p Policy) ExactDelay(a domain.Agent, minutes float64) float64 {
	if minutes < p.MinExactDelay {
		minutes = p.MinExactDelay
	}
	if a.MaxInterval > 0 && minutes > a.MaxInterval {
		minutes = a.MaxInterval
	}
	return minutes
}
