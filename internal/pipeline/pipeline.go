// Package pipeline runs one generation turn for an agent: it assembles the
// prompt, calls the text generator, applies the directives found in the
// output, and persists the visible bubbles.
//
// A turn captures the agent's (or group's) generation counter before the
// generation call. If the counter changed by the time the call returns, the
// conversation was wiped in flight and the turn is discarded without any
// message or side effect.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/directive"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/emotion"
	"github.com/ashureev/companions/internal/llm"
	"github.com/ashureev/companions/internal/store"
)

// ErrAgentNotFound is returned when the turn's agent does not exist.
var ErrAgentNotFound = errors.New("agent not found")

// ErrGroupNotFound is returned when the turn's group does not exist.
var ErrGroupNotFound = errors.New("group not found")

// Mode is the reason a direct turn runs.
type Mode int

const (
	// Proactive is a scheduler-fired turn.
	Proactive Mode = iota
	// Reply answers a user message.
	Reply
	// Jealousy is an out-of-band turn after the user messaged another agent.
	Jealousy
)

func (m Mode) String() string {
	switch m {
	case Proactive:
		return "proactive"
	case Reply:
		return "reply"
	case Jealousy:
		return "jealousy"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// escalates reports whether a turn of this mode raises pressure first.
func (m Mode) escalates() bool {
	return m == Proactive || m == Jealousy
}

// Transferer moves money out of an agent's wallet.
type Transferer interface {
	Transfer(ctx context.Context, sender, recipient string, amount int64, note string) (*domain.Transfer, error)
	Balance(ctx context.Context, account string) (int64, error)
}

// Config tunes prompt assembly.
type Config struct {
	// HistoryLimit is the number of recent messages included as context.
	HistoryLimit int
	// MomentLimit is the number of recent feed posts included as context.
	MomentLimit int
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Repo   store.Repository
	LLM    llm.Client
	Ledger Transferer
	Bus    bus.Publisher
}

// Effect is one applied or skipped directive.
type Effect struct {
	Kind directive.Kind `json:"kind"`
	// Ref is the ID of the record the effect created or touched, if any.
	Ref    string `json:"ref,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	AgentID  string
	GroupID  string
	Mode     Mode
	Bubbles  []string
	Messages []*domain.Message
	// NextDelay is the raw TIMER request in minutes, if any.
	NextDelay *float64
	Applied   []Effect
	Skipped   []Effect
	// Mentions lists group members the reply addressed.
	Mentions []string

	// Discarded is set when the conversation was wiped in flight.
	Discarded bool
	// Failed is set when generation failed and an error notice was stored.
	Failed bool
	// Blocked is set when the agent is, or just became, blocked.
	Blocked bool
	// Idle is set when the agent cannot act and nothing ran.
	Idle bool
}

// Runner executes turns.
type Runner struct {
	repo   store.Repository
	llm    llm.Client
	ledger Transferer
	bus    bus.Publisher
	policy emotion.Policy
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	roll   func() float64
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, policy emotion.Policy, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = bus.Nop{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 30
	}
	if cfg.MomentLimit <= 0 {
		cfg.MomentLimit = 5
	}
	return &Runner{
		repo:   deps.Repo,
		llm:    deps.LLM,
		ledger: deps.Ledger,
		bus:    deps.Bus,
		policy: policy,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/ashureev/companions/internal/pipeline"),
		now:    time.Now,
		roll:   rand.Float64,
	}
}

// TurnOption customizes a direct turn.
type TurnOption func(*turnOptions)

type turnOptions struct {
	rival string
}

// WithRival names the agent the user is talking to instead, for jealousy turns.
func WithRival(name string) TurnOption {
	return func(o *turnOptions) { o.rival = name }
}

// RunAgentTurn runs one direct-conversation turn for agentID.
func (r *Runner) RunAgentTurn(ctx context.Context, agentID string, mode Mode, opts ...TurnOption) (TurnResult, error) {
	var o turnOptions
	for _, opt := range opts {
		opt(&o)
	}
	res := TurnResult{AgentID: agentID, Mode: mode}

	ctx, span := r.tracer.Start(ctx, "pipeline.agent_turn", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("turn.mode", mode.String()),
	))
	defer span.End()

	agent, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return res, ErrAgentNotFound
	}
	if !agent.CanSchedule() {
		res.Blocked = agent.IsBlocked
		res.Idle = true
		return res, nil
	}

	if mode.escalates() {
		tr := r.policy.Escalate(*agent)
		if tr.Changed() {
			agent, err = r.repo.PatchAgent(ctx, agentID, tr.Patch())
			if err != nil {
				return res, fmt.Errorf("escalate pressure: %w", err)
			}
			if agent == nil {
				return res, ErrAgentNotFound
			}
			r.logger.Info("Pressure escalated", "agent_id", agentID, "from", tr.From, "to", tr.To, "affinity", agent.Affinity)
		}
		if tr.Block {
			r.logger.Warn("Agent blocked the user", "agent_id", agentID, "affinity", agent.Affinity)
			res.Blocked = true
			return res, nil
		}
	}

	generation := agent.Generation
	prompt, err := r.directPrompt(ctx, agent, mode, o.rival)
	if err != nil {
		return res, err
	}

	r.publishTyping(bus.EventTypingStart, agent.ID, "")
	defer r.publishTyping(bus.EventTypingStop, agent.ID, "")

	out, genErr := r.llm.Chat(ctx, llm.Request{
		Endpoint:  agent.Endpoint,
		APIKey:    agent.APIKey,
		Model:     agent.Model,
		MaxTokens: agent.MaxTokens,
		Messages:  prompt,
	})

	fresh, err := r.repo.GetAgent(ctx, agentID)
	if err != nil {
		return res, fmt.Errorf("refetch agent: %w", err)
	}
	if fresh == nil || fresh.Generation != generation {
		r.logger.Info("Discarding stale turn", "agent_id", agentID, "mode", mode.String())
		res.Discarded = true
		return res, nil
	}
	guard := store.MessageGuard{AgentID: agentID, Generation: generation}

	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation failed")
		return r.failTurn(ctx, res, fresh, agent.Conversation(), guard, genErr)
	}

	parsed := directive.Parse(out.Text)
	plan := directive.Collect(parsed.Tokens, directive.Direct)
	if plan.Timer != nil {
		minutes := plan.Timer.Minutes
		res.NextDelay = &minutes
	}

	bubbles := directive.Bubbles(parsed.Visible)
	if len(bubbles) == 0 {
		bubbles = []string{r.fallback(mode, fresh.PressureLevel)}
	}

	msgs, err := r.persist(ctx, guard, agent.Conversation(), agent.ID, bubbles)
	if errors.Is(err, store.ErrStale) {
		res.Discarded = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Bubbles = bubbles
	res.Messages = msgs
	for _, m := range msgs {
		r.bus.Publish(bus.Event{Type: bus.EventMessage, AgentID: agent.ID, Payload: m})
	}

	r.apply(ctx, &res, fresh, "", plan)
	span.SetAttributes(attribute.Int("turn.bubbles", len(bubbles)), attribute.Int("turn.effects", len(res.Applied)))
	return res, nil
}

// RunGroupTurn runs one reply of participantID inside groupID.
func (r *Runner) RunGroupTurn(ctx context.Context, groupID, participantID string) (TurnResult, error) {
	res := TurnResult{AgentID: participantID, GroupID: groupID, Mode: Reply}

	ctx, span := r.tracer.Start(ctx, "pipeline.group_turn", trace.WithAttributes(
		attribute.String("group.id", groupID),
		attribute.String("agent.id", participantID),
	))
	defer span.End()

	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return res, fmt.Errorf("get group: %w", err)
	}
	if group == nil {
		return res, ErrGroupNotFound
	}
	if _, ok := group.Member(participantID); !ok {
		res.Idle = true
		return res, nil
	}
	agent, err := r.repo.GetAgent(ctx, participantID)
	if err != nil {
		return res, fmt.Errorf("get agent: %w", err)
	}
	if agent == nil || !agent.Active {
		res.Idle = true
		return res, nil
	}

	generation := group.Generation
	prompt, err := r.groupPrompt(ctx, group, agent)
	if err != nil {
		return res, err
	}

	out, genErr := r.llm.Chat(ctx, llm.Request{
		Endpoint:  agent.Endpoint,
		APIKey:    agent.APIKey,
		Model:     agent.Model,
		MaxTokens: agent.MaxTokens,
		Messages:  prompt,
	})

	freshGroup, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return res, fmt.Errorf("refetch group: %w", err)
	}
	if freshGroup == nil || freshGroup.Generation != generation {
		r.logger.Info("Discarding stale group turn", "group_id", groupID, "agent_id", participantID)
		res.Discarded = true
		return res, nil
	}
	guard := store.MessageGuard{GroupID: groupID, Generation: generation}
	conversation := domain.GroupConversation(groupID)

	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, "generation failed")
		return r.failTurn(ctx, res, agent, conversation, guard, genErr)
	}

	parsed := directive.Parse(out.Text)
	plan := directive.Collect(parsed.Tokens, directive.Group)
	bubbles := directive.Bubbles(parsed.Visible)
	if len(bubbles) == 0 {
		bubbles = []string{r.fallback(Reply, agent.PressureLevel)}
	}

	msgs, err := r.persist(ctx, guard, conversation, agent.ID, bubbles)
	if errors.Is(err, store.ErrStale) {
		res.Discarded = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.Bubbles = bubbles
	res.Messages = msgs
	for _, m := range msgs {
		r.bus.Publish(bus.Event{Type: bus.EventGroupMessage, GroupID: groupID, AgentID: agent.ID, Payload: m})
	}

	res.Mentions, _ = freshGroup.Mentions(parsed.Visible, agent.ID)
	r.apply(ctx, &res, agent, groupID, plan)
	return res, nil
}

// failTurn stores a visible notice that generation failed. The notice is
// hidden from future prompts.
func (r *Runner) failTurn(ctx context.Context, res TurnResult, agent *domain.Agent, conversation string, guard store.MessageGuard, genErr error) (TurnResult, error) {
	r.logger.Error("Generation failed", "agent_id", agent.ID, "group_id", guard.GroupID, "error", genErr)
	res.Failed = true

	reason := "the generator is unavailable"
	var llmErr *llm.Error
	if errors.As(genErr, &llmErr) {
		switch llmErr.Kind {
		case llm.KindStatus:
			reason = fmt.Sprintf("the generator returned status %d", llmErr.StatusCode)
		case llm.KindBadFormat:
			reason = "the generator returned an unreadable response"
		}
	}
	msg := &domain.Message{
		Conversation: conversation,
		SenderID:     agent.ID,
		Role:         domain.RoleSystem,
		Content:      fmt.Sprintf("Message from %s failed: %s.", agent.Name, reason),
		Hidden:       true,
	}
	if err := r.repo.AppendMessages(ctx, guard, []*domain.Message{msg}); err != nil {
		if errors.Is(err, store.ErrStale) {
			res.Discarded = true
			return res, nil
		}
		return res, fmt.Errorf("store failure notice: %w", err)
	}
	res.Messages = []*domain.Message{msg}
	evt := bus.EventMessage
	if guard.GroupID != "" {
		evt = bus.EventGroupMessage
	}
	r.bus.Publish(bus.Event{Type: evt, AgentID: agent.ID, GroupID: guard.GroupID, Payload: msg})
	return res, nil
}

func (r *Runner) persist(ctx context.Context, guard store.MessageGuard, conversation, senderID string, bubbles []string) ([]*domain.Message, error) {
	msgs := make([]*domain.Message, 0, len(bubbles))
	for _, b := range bubbles {
		msgs = append(msgs, &domain.Message{
			Conversation: conversation,
			SenderID:     senderID,
			Role:         domain.RoleAgent,
			Content:      b,
		})
	}
	if err := r.repo.AppendMessages(ctx, guard, msgs); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, err
		}
		return nil, fmt.Errorf("persist bubbles: %w", err)
	}
	return msgs, nil
}

func (r *Runner) publishTyping(evt bus.EventType, agentID, groupID string) {
	r.bus.Publish(bus.Event{Type: evt, AgentID: agentID, GroupID: groupID})
}
