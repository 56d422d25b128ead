// Package group runs group reply cycles.
//
// Each group has one debounce timer that is reset, never stacked, by every
// user message, and one mutex that admits at most one reply cycle at a time.
// A trigger that finds a cycle running is dropped; the running cycle reads
// the latest history for each participant anyway.
package group

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/pipeline"
)

// TurnRunner runs one participant's reply.
type TurnRunner interface {
	RunGroupTurn(ctx context.Context, groupID, participantID string) (pipeline.TurnResult, error)
}

// GroupSource reads group membership and settings.
type GroupSource interface {
	GetGroup(ctx context.Context, id string) (*domain.Group, error)
}

// Timer is a cancellable delayed task.
type Timer interface {
	Stop() bool
}

// AfterFunc starts a Timer that runs f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Config tunes the orchestrator.
type Config struct {
	// MentionDebounce is the debounce for messages that mention a member.
	MentionDebounce time.Duration
	// Debounce is the debounce for all other messages.
	Debounce time.Duration
	// TypingMin and TypingMax bound the pause before each reply.
	TypingMin time.Duration
	TypingMax time.Duration
	// MaxChainDepth caps consecutive mention-triggered follow-up cycles.
	MaxChainDepth int
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		MentionDebounce: 1500 * time.Millisecond,
		Debounce:        5 * time.Second,
		TypingMin:       800 * time.Millisecond,
		TypingMax:       2500 * time.Millisecond,
		MaxChainDepth:   3,
	}
}

// State is the orchestrator state of one group.
type State string

const (
	StateIdle       State = "idle"
	StateDebouncing State = "debouncing"
	StateReplying   State = "replying"
)

// trigger is the pending input of the next cycle.
type trigger struct {
	mentioned []string
	all       bool
	depth     int
}

func (t *trigger) merge(o trigger) {
	t.all = t.all || o.all
	for _, id := range o.mentioned {
		if !slices.Contains(t.mentioned, id) {
			t.mentioned = append(t.mentioned, id)
		}
	}
	t.depth = min(t.depth, o.depth)
}

type groupState struct {
	cycle    sync.Mutex
	replying bool

	token    uint64
	debounce Timer
	pending  *trigger
}

// Orchestrator owns the debounce timer and reply lock of every group.
type Orchestrator struct {
	runner TurnRunner
	groups GroupSource
	bus    bus.Publisher
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	afterFunc AfterFunc
	sleep     func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	states    map[string]*groupState
	nextToken uint64
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithAfterFunc replaces the timer factory.
func WithAfterFunc(after AfterFunc) Option {
	return func(o *Orchestrator) { o.afterFunc = after }
}

// WithRand replaces the random source used for ordering, skipping and typing delays.
func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

// New creates an Orchestrator.
func New(runner TurnRunner, groups GroupSource, publisher bus.Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = bus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		runner:    runner,
		groups:    groups,
		bus:       publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/ashureev/companions/internal/group"),
		afterFunc: realAfterFunc,
		sleep:     sleepCtx,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		baseCtx:   ctx,
		cancel:    cancel,
		states:    make(map[string]*groupState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) stateLocked(groupID string) *groupState {
	gs, ok := o.states[groupID]
	if !ok {
		gs = &groupState{}
		o.states[groupID] = gs
	}
	return gs
}

// OnUserMessage resets the group's debounce timer for a new user message.
// It returns the debounce delay that was chosen.
func (o *Orchestrator) OnUserMessage(ctx context.Context, groupID, text string) (time.Duration, error) {
	g, err := o.groups.GetGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	if g == nil {
		return 0, pipeline.ErrGroupNotFound
	}

	mentioned, all := g.Mentions(text, domain.UserAccount)
	delay := o.cfg.Debounce
	if all || len(mentioned) > 0 {
		delay = o.cfg.MentionDebounce
	}
	o.arm(groupID, trigger{mentioned: mentioned, all: all}, delay, true)
	return delay, nil
}

// arm cancels the pending debounce of groupID and starts a new one carrying
// t merged into any trigger still pending.
func (o *Orchestrator) arm(groupID string, t trigger, delay time.Duration, fromUser bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	gs := o.stateLocked(groupID)
	if gs.debounce != nil {
		gs.debounce.Stop()
	}
	if gs.pending != nil {
		gs.pending.merge(t)
		if fromUser {
			gs.pending.depth = 0
		}
	} else {
		gs.pending = &t
	}

	o.nextToken++
	token := o.nextToken
	gs.token = token
	gs.debounce = o.afterFunc(delay, func() { o.fire(groupID, token) })
	o.logger.Debug("Group debounce armed", "group_id", groupID, "delay", delay, "mentions", gs.pending.mentioned, "depth", gs.pending.depth)
}

func (o *Orchestrator) fire(groupID string, token uint64) {
	o.mu.Lock()
	gs, ok := o.states[groupID]
	if !ok || gs.token != token || gs.debounce == nil || o.baseCtx.Err() != nil {
		o.mu.Unlock()
		return
	}
	t := *gs.pending
	gs.pending = nil
	gs.debounce = nil
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	o.runCycle(o.baseCtx, groupID, gs, t)
}

// Cancel drops any pending debounce of groupID.
func (o *Orchestrator) Cancel(groupID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gs, ok := o.states[groupID]; ok {
		if gs.debounce != nil {
			gs.debounce.Stop()
		}
		gs.debounce = nil
		gs.pending = nil
		gs.token = 0
	}
}

// State reports the current state of groupID.
func (o *Orchestrator) State(groupID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	gs, ok := o.states[groupID]
	switch {
	case !ok:
		return StateIdle
	case gs.replying:
		return StateReplying
	case gs.debounce != nil:
		return StateDebouncing
	default:
		return StateIdle
	}
}

// Shutdown cancels every pending debounce and waits for running cycles.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, gs := range o.states {
		if gs.debounce != nil {
			gs.debounce.Stop()
			gs.debounce = nil
		}
	}
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// runCycle is one serialized pass over the group's participants.
func (o *Orchestrator) runCycle(ctx context.Context, groupID string, gs *groupState, t trigger) {
	if !gs.cycle.TryLock() {
		o.logger.Info("Reply cycle already running, dropping trigger", "group_id", groupID)
		return
	}
	o.setReplying(gs, true)

	followUps := o.replyAll(ctx, groupID, t)

	o.setReplying(gs, false)
	gs.cycle.Unlock()

	if len(followUps) > 0 {
		o.logger.Info("Queueing mention follow-up", "group_id", groupID, "mentions", followUps, "depth", t.depth+1)
		o.arm(groupID, trigger{mentioned: followUps, depth: t.depth + 1}, o.cfg.MentionDebounce, false)
	}
}

func (o *Orchestrator) setReplying(gs *groupState, v bool) {
	o.mu.Lock()
	gs.replying = v
	o.mu.Unlock()
}

// replyAll lets each participant reply in order and returns the member IDs
// mentioned by the replies that qualify for a follow-up cycle.
func (o *Orchestrator) replyAll(ctx context.Context, groupID string, t trigger) []string {
	ctx, span := o.tracer.Start(ctx, "group.cycle", trace.WithAttributes(
		attribute.String("group.id", groupID),
		attribute.Int("cycle.depth", t.depth),
	))
	defer span.End()

	g, err := o.groups.GetGroup(ctx, groupID)
	if err != nil || g == nil {
		o.logger.Error("Failed to load group for reply cycle", "group_id", groupID, "error", err)
		return nil
	}

	order := o.order(g.Agents(), t.mentioned, t.all)
	chain := !g.NoChain && t.depth < o.cfg.MaxChainDepth
	var followUps []string

	for _, id := range order {
		if ctx.Err() != nil {
			break
		}
		mentioned := t.all || slices.Contains(t.mentioned, id)
		if !mentioned && o.float() < g.SkipProbability {
			o.logger.Debug("Participant skipped", "group_id", groupID, "agent_id", id)
			continue
		}

		res, err := o.replyOne(ctx, groupID, id)
		if err != nil {
			o.logger.Error("Participant reply failed", "group_id", groupID, "agent_id", id, "error", err)
			continue
		}
		if res.Discarded {
			o.logger.Info("Group cleared during cycle, stopping", "group_id", groupID)
			break
		}
		if chain {
			for _, m := range res.Mentions {
				if !slices.Contains(followUps, m) {
					followUps = append(followUps, m)
				}
			}
		}
	}
	span.SetAttributes(attribute.Int("cycle.participants", len(order)))
	return followUps
}

// replyOne wraps a participant turn in typing signals. The stop signal is
// always sent, including on failure.
func (o *Orchestrator) replyOne(ctx context.Context, groupID, agentID string) (pipeline.TurnResult, error) {
	o.bus.Publish(bus.Event{Type: bus.EventTypingStart, GroupID: groupID, AgentID: agentID})
	defer o.bus.Publish(bus.Event{Type: bus.EventTypingStop, GroupID: groupID, AgentID: agentID})

	if err := o.sleep(ctx, o.typingDelay()); err != nil {
		return pipeline.TurnResult{}, err
	}
	return o.runner.RunGroupTurn(ctx, groupID, agentID)
}

func (o *Orchestrator) order(members []domain.Member, mentioned []string, all bool) []string {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return ParticipantOrder(members, mentioned, all, o.rng)
}

func (o *Orchestrator) float() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}

func (o *Orchestrator) typingDelay() time.Duration {
	span := o.cfg.TypingMax - o.cfg.TypingMin
	if span <= 0 {
		return o.cfg.TypingMin
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.cfg.TypingMin + time.Duration(o.rng.Int64N(int64(span)))
}

// ParticipantOrder shuffles the agent members and moves the mentioned ones
// to the front, keeping their shuffled relative order. With all set every
// member counts as mentioned and the shuffle alone decides.
func ParticipantOrder(members []domain.Member, mentioned []string, all bool, rng *rand.Rand) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if !m.IsUser() {
			ids = append(ids, m.ID)
		}
	}
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if all || len(mentioned) == 0 {
		return ids
	}

	front := make([]string, 0, len(ids))
	back := make([]string, 0, len(ids))
	for _, id := range ids {
		if slices.Contains(mentioned, id) {
			front = append(front, id)
		} else {
			back = append(back, id)
		}
	}
	return append(front, back...)
}
