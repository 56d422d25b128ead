// Package engine is the entry point for user actions. It persists what the
// user did, keeps the scheduler and group orchestrator in step with agent
// state, and starts the turns that answer the user.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/emotion"
	"github.com/ashureev/companions/internal/ledger"
	"github.com/ashureev/companions/internal/pipeline"
	"github.com/ashureev/companions/internal/relation"
	"github.com/ashureev/companions/internal/store"
)

var (
	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrSelfIntroduction is returned when an agent is introduced to itself.
	ErrSelfIntroduction = errors.New("cannot introduce an agent to itself")
)

// TurnRunner runs direct turns.
type TurnRunner interface {
	RunAgentTurn(ctx context.Context, agentID string, mode pipeline.Mode, opts ...pipeline.TurnOption) (pipeline.TurnResult, error)
}

// Scheduler owns agents' proactive timers.
type Scheduler interface {
	Schedule(agent *domain.Agent, exactDelay *float64) (time.Duration, bool)
	Stop(agentID string)
	TriggerJealousy(ctx context.Context, target *domain.Agent) ([]string, error)
}

// GroupOrchestrator drives group reply cycles.
type GroupOrchestrator interface {
	OnUserMessage(ctx context.Context, groupID, text string) (time.Duration, error)
	Cancel(groupID string)
}

// Judge forms first impressions between agents.
type Judge interface {
	Assess(ctx context.Context, source, target *domain.Agent) relation.Judgment
}

// Config tunes engine behavior.
type Config struct {
	// RedPacketClaimChance is the probability that a group member agent
	// grabs a share of a user's red packet.
	RedPacketClaimChance float64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{RedPacketClaimChance: 0.7}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Repo      store.Repository
	Ledger    *ledger.Ledger
	Runner    TurnRunner
	Scheduler Scheduler
	Groups    GroupOrchestrator
	Judge     Judge
	Bus       bus.Publisher
}

// Engine coordinates user actions with the background machinery.
type Engine struct {
	repo   store.Repository
	ledger *ledger.Ledger
	runner TurnRunner
	sched  Scheduler
	groups GroupOrchestrator
	judge  Judge
	bus    bus.Publisher
	policy emotion.Policy
	cfg    Config
	logger *slog.Logger
	roll   func() float64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an Engine.
func New(deps Deps, policy emotion.Policy, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = bus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		repo:    deps.Repo,
		ledger:  deps.Ledger,
		runner:  deps.Runner,
		sched:   deps.Scheduler,
		groups:  deps.Groups,
		judge:   deps.Judge,
		bus:     deps.Bus,
		policy:  policy,
		cfg:     cfg,
		logger:  logger,
		roll:    rand.Float64,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Wait blocks until background work started by the engine has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels background work and waits for it.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// background runs fn detached from the request that started it.
func (e *Engine) background(name string, fn func(ctx context.Context)) {
	if e.baseCtx.Err() != nil {
		e.logger.Warn("Engine shutting down, dropping work", "task", name)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.baseCtx)
	}()
}

func (e *Engine) agent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := e.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if a == nil {
		return nil, pipeline.ErrAgentNotFound
	}
	return a, nil
}

func (e *Engine) group(ctx context.Context, id string) (*domain.Group, error) {
	g, err := e.repo.GetGroup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	if g == nil {
		return nil, pipeline.ErrGroupNotFound
	}
	return g, nil
}

func (e *Engine) appendUserMessage(ctx context.Context, conversation, content string) (*domain.Message, error) {
	msg := &domain.Message{
		Conversation: conversation,
		SenderID:     domain.UserAccount,
		Role:         domain.RoleUser,
		Content:      content,
	}
	if err := e.repo.AppendMessages(ctx, store.MessageGuard{}, []*domain.Message{msg}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	return msg, nil
}

// SendToAgent stores a user message to agentID, calms the agent, and
// starts its reply turn in the background. Other agents may react with
// jealousy.
func (e *Engine) SendToAgent(ctx context.Context, agentID, text string) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	a, err := e.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	msg, err := e.appendUserMessage(ctx, a.Conversation(), text)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(bus.Event{Type: bus.EventMessage, AgentID: a.ID, Payload: msg})

	if err := e.calm(ctx, a, e.policy.ResetPressure(*a)); err != nil {
		return msg, err
	}

	if _, err := e.sched.TriggerJealousy(ctx, a); err != nil {
		e.logger.Warn("Jealousy roll failed", "agent_id", a.ID, "error", err)
	}
	e.reply(a.ID)
	return msg, nil
}

// calm applies a user-driven transition and stops the proactive timer until
// the reply turn reschedules it.
func (e *Engine) calm(ctx context.Context, a *domain.Agent, tr emotion.Transition) error {
	e.sched.Stop(a.ID)
	if !tr.Changed() {
		return nil
	}
	if _, err := e.repo.PatchAgent(ctx, a.ID, tr.Patch()); err != nil {
		return fmt.Errorf("update emotional state: %w", err)
	}
	e.logger.Info("Emotional state reset", "agent_id", a.ID, "from", tr.From, "to", tr.To, "unblocked", tr.Unblock)
	return nil
}

// reply runs a reply turn for agentID and reschedules it from fresh state.
func (e *Engine) reply(agentID string) {
	e.background("reply", func(ctx context.Context) {
		res, err := e.runner.RunAgentTurn(ctx, agentID, pipeline.Reply)
		if err != nil {
			e.logger.Error("Reply turn failed", "agent_id", agentID, "error", err)
		}
		e.reschedule(ctx, agentID, res.NextDelay)
	})
}

func (e *Engine) reschedule(ctx context.Context, agentID string, exactDelay *float64) {
	a, err := e.repo.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		e.sched.Stop(agentID)
		return
	}
	e.sched.Schedule(a, exactDelay)
}

// SendToGroup stores a user message to groupID and (re)arms the group's
// reply debounce.
func (e *Engine) SendToGroup(ctx context.Context, groupID, text string) (*domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	g, err := e.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	msg, err := e.appendUserMessage(ctx, domain.GroupConversation(g.ID), text)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(bus.Event{Type: bus.EventGroupMessage, GroupID: g.ID, Payload: msg})

	if _, err := e.groups.OnUserMessage(ctx, g.ID, text); err != nil {
		return msg, fmt.Errorf("trigger group replies: %w", err)
	}
	return msg, nil
}

// Wipe deep-wipes an agent's conversation and diary. The proactive timer is
// stopped before any state is cleared; turns already in flight are
// discarded when they observe the new generation.
func (e *Engine) Wipe(ctx context.Context, agentID string) (*domain.Agent, error) {
	e.sched.Stop(agentID)
	gen, err := e.repo.WipeAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("wipe agent: %w", err)
	}
	a, err := e.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("Agent wiped", "agent_id", agentID, "generation", gen)
	e.sched.Schedule(a, nil)
	return a, nil
}

// Unblock clears the block gate, calms the agent and restarts its schedule.
func (e *Engine) Unblock(ctx context.Context, agentID string) (*domain.Agent, error) {
	blocked, calm := false, 0
	return e.patchAndSchedule(ctx, agentID, store.AgentPatch{IsBlocked: &blocked, PressureLevel: &calm})
}

// Pause deactivates an agent and stops its timer.
func (e *Engine) Pause(ctx context.Context, agentID string) (*domain.Agent, error) {
	e.sched.Stop(agentID)
	active := false
	a, err := e.repo.PatchAgent(ctx, agentID, store.AgentPatch{Active: &active})
	if err != nil {
		return nil, fmt.Errorf("pause agent: %w", err)
	}
	if a == nil {
		return nil, pipeline.ErrAgentNotFound
	}
	return a, nil
}

// Resume reactivates an agent and schedules it.
func (e *Engine) Resume(ctx context.Context, agentID string) (*domain.Agent, error) {
	active := true
	return e.patchAndSchedule(ctx, agentID, store.AgentPatch{Active: &active})
}

func (e *Engine) patchAndSchedule(ctx context.Context, agentID string, patch store.AgentPatch) (*domain.Agent, error) {
	a, err := e.repo.PatchAgent(ctx, agentID, patch)
	if err != nil {
		return nil, fmt.Errorf("patch agent: %w", err)
	}
	if a == nil {
		return nil, pipeline.ErrAgentNotFound
	}
	e.sched.Schedule(a, nil)
	return a, nil
}

// DeleteAgent stops and removes an agent.
func (e *Engine) DeleteAgent(ctx context.Context, agentID string) error {
	if _, err := e.agent(ctx, agentID); err != nil {
		return err
	}
	e.sched.Stop(agentID)
	if err := e.repo.DeleteAgent(ctx, agentID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	e.logger.Info("Agent deleted", "agent_id", agentID)
	return nil
}

// ClearGroup drops the group's pending replies and history.
func (e *Engine) ClearGroup(ctx context.Context, groupID string) error {
	if _, err := e.group(ctx, groupID); err != nil {
		return err
	}
	e.groups.Cancel(groupID)
	if _, err := e.repo.ClearGroup(ctx, groupID); err != nil {
		return fmt.Errorf("clear group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group together with its group-scoped relationships.
func (e *Engine) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := e.group(ctx, groupID); err != nil {
		return err
	}
	e.groups.Cancel(groupID)
	if err := e.repo.DeleteGroup(ctx, groupID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	e.logger.Info("Group deleted", "group_id", groupID)
	return nil
}

// ListMessages returns one page of a conversation.
func (e *Engine) ListMessages(ctx context.Context, conversation string, opts store.ListOptions) ([]*domain.Message, error) {
	kind, id, ok := domain.ParseConversation(conversation)
	if !ok {
		return nil, fmt.Errorf("unknown conversation %q", conversation)
	}
	var err error
	if kind == "agent" {
		_, err = e.agent(ctx, id)
	} else {
		_, err = e.group(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return e.repo.ListMessages(ctx, conversation, opts)
}

// Introduce has two agents form first impressions of each other and stores
// them as acquaintance relationships.
func (e *Engine) Introduce(ctx context.Context, sourceID, targetID string) ([]domain.Relationship, error) {
	if sourceID == targetID {
		return nil, ErrSelfIntroduction
	}
	source, err := e.agent(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	target, err := e.agent(ctx, targetID)
	if err != nil {
		return nil, err
	}

	pairs := [][2]*domain.Agent{{source, target}, {target, source}}
	out := make([]domain.Relationship, 0, len(pairs))
	for _, p := range pairs {
		j := e.judge.Assess(ctx, p[0], p[1])
		rel := &domain.Relationship{
			SourceID:   p[0].ID,
			TargetID:   p[1].ID,
			Scope:      domain.ScopeAcquaintance,
			Affinity:   j.Affinity,
			Impression: j.Impression,
		}
		if err := e.repo.UpsertRelationship(ctx, rel); err != nil {
			return nil, fmt.Errorf("store relationship: %w", err)
		}
		out = append(out, *rel)
	}
	return out, nil
}
