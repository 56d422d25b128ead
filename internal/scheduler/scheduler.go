// Package scheduler owns the proactive timer of every agent.
//
// Each entry carries a token. Scheduling replaces the entry and its token in
// one critical section, so a timer that fires after being replaced or
// stopped finds a different token and does nothing.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/emotion"
	"github.com/ashureev/companions/internal/pipeline"
)

// TurnRunner runs one agent turn.
type TurnRunner interface {
	RunAgentTurn(ctx context.Context, agentID string, mode pipeline.Mode, opts ...pipeline.TurnOption) (pipeline.TurnResult, error)
}

// AgentSource reads current agent state.
type AgentSource interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
}

// Timer is a cancellable delayed task.
type Timer interface {
	Stop() bool
}

// AfterFunc starts a Timer that runs f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type entry struct {
	token      uint64
	fireAt     time.Time
	generating bool
	timer      Timer
}

// Scheduler owns one entry per scheduled agent.
type Scheduler struct {
	runner TurnRunner
	agents AgentSource
	bus    bus.Publisher
	policy emotion.Policy
	logger *slog.Logger

	afterFunc AfterFunc
	now       func() time.Time
	roll      func() float64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	entries    map[string]*entry
	jealous    map[string]*entry
	inJealousy map[string]bool
	nextToken  uint64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the timer factory and clock.
func WithClock(after AfterFunc, now func() time.Time) Option {
	return func(s *Scheduler) {
		s.afterFunc = after
		s.now = now
	}
}

// WithRoll replaces the uniform [0,1) source.
func WithRoll(roll func() float64) Option {
	return func(s *Scheduler) { s.roll = roll }
}

// New creates a Scheduler.
func New(runner TurnRunner, agents AgentSource, publisher bus.Publisher, policy emotion.Policy, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = bus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:     runner,
		agents:     agents,
		bus:        publisher,
		policy:     policy,
		logger:     logger,
		afterFunc:  realAfterFunc,
		now:        time.Now,
		roll:       rand.Float64,
		baseCtx:    ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
		jealous:    make(map[string]*entry),
		inJealousy: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delay computes the next proactive delay of agent. An exact delay is used
// when the agent's self-timer is enabled; otherwise the delay is drawn from
// the agent's interval and scaled by pressure. ok is false when the agent
// should not be scheduled at all.
func (s *Scheduler) Delay(agent *domain.Agent, exactDelay *float64) (d time.Duration, ok bool) {
	if !agent.CanSchedule() {
		return 0, false
	}
	var minutes float64
	switch {
	case exactDelay != nil && agent.TimerEnabled:
		minutes = s.policy.ExactDelay(*agent, *exactDelay)
	case agent.ProactiveEnabled:
		minutes = s.policy.ProactiveDelay(*agent, s.roll())
	default:
		return 0, false
	}
	return time.Duration(minutes * float64(time.Minute)), true
}

// Schedule cancels any pending timer of agent and starts a new one. It
// returns the chosen delay, or false if the agent went silent.
func (s *Scheduler) Schedule(agent *domain.Agent, exactDelay *float64) (time.Duration, bool) {
	d, ok := s.Delay(agent, exactDelay)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(agent.ID)
	if !ok {
		s.logger.Debug("Agent not scheduled", "agent_id", agent.ID, "active", agent.Active, "blocked", agent.IsBlocked)
		return 0, false
	}

	s.nextToken++
	token := s.nextToken
	e := &entry{token: token, fireAt: s.now().Add(d)}
	e.timer = s.afterFunc(d, func() { s.fire(agent.ID, token) })
	s.entries[agent.ID] = e

	s.logger.Info("Agent scheduled", "agent_id", agent.ID, "delay", d, "pressure", agent.PressureLevel)
	return d, true
}

// Stop cancels and removes the agent's entry and any pending jealousy turn.
func (s *Scheduler) Stop(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(agentID)
	if j, ok := s.jealous[agentID]; ok {
		j.timer.Stop()
		delete(s.jealous, agentID)
	}
}

func (s *Scheduler) cancelLocked(agentID string) {
	if e, ok := s.entries[agentID]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, agentID)
	}
}

// Scheduled reports whether the agent has a live entry.
func (s *Scheduler) Scheduled(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[agentID]
	return ok
}

// fire runs a proactive turn if token still owns the agent's entry, then
// reschedules from freshly read state. A fire that lands while a jealousy
// turn is running is dropped; the jealousy turn reschedules on completion.
func (s *Scheduler) fire(agentID string, token uint64) {
	s.mu.Lock()
	e, ok := s.entries[agentID]
	if !ok || e.token != token || s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	if s.inJealousy[agentID] {
		s.mu.Unlock()
		s.logger.Debug("Skipping proactive turn, jealousy turn in flight", "agent_id", agentID)
		return
	}
	e.generating = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := s.baseCtx
	res, err := s.runner.RunAgentTurn(ctx, agentID, pipeline.Proactive)
	if err != nil {
		s.logger.Error("Proactive turn failed", "agent_id", agentID, "error", err)
	}
	s.resume(ctx, agentID, token, res.NextDelay)
}

// resume reschedules the agent after a turn, unless the entry was replaced
// or stopped while the turn was running.
func (s *Scheduler) resume(ctx context.Context, agentID string, token uint64, exactDelay *float64) {
	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("Failed to refetch agent after turn", "agent_id", agentID, "error", err)
	}

	s.mu.Lock()
	e, ok := s.entries[agentID]
	owned := ok && e.token == token
	if owned && (agent == nil || err != nil) {
		delete(s.entries, agentID)
	}
	s.mu.Unlock()

	if !owned || agent == nil || err != nil {
		return
	}
	s.Schedule(agent, exactDelay)
}

// StartAll schedules every agent that can be scheduled.
func (s *Scheduler) StartAll(ctx context.Context) error {
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, a := range agents {
		if _, ok := s.Schedule(a, nil); ok {
			n++
		}
	}
	s.logger.Info("Scheduler started", "agents", len(agents), "scheduled", n)
	return nil
}

// Shutdown cancels every timer and waits for in-flight turns to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for id := range s.entries {
		s.cancelLocked(id)
	}
	for id, j := range s.jealous {
		j.timer.Stop()
		delete(s.jealous, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
