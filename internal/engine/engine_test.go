package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/emotion"
	"github.com/ashureev/companions/internal/ledger"
	"github.com/ashureev/companions/internal/pipeline"
	"github.com/ashureev/companions/internal/relation"
	"github.com/ashureev/companions/internal/store"
)

// opLog records calls across fakes in order.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

func (l *opLog) has(op string) bool {
	for _, o := range l.list() {
		if o == op {
			return true
		}
	}
	return false
}

type fakeRunner struct{ log *opLog }

func (f *fakeRunner) RunAgentTurn(_ context.Context, agentID string, mode pipeline.Mode, _ ...pipeline.TurnOption) (pipeline.TurnResult, error) {
	f.log.add("turn:" + mode.String() + ":" + agentID)
	return pipeline.TurnResult{AgentID: agentID, Mode: mode}, nil
}

type fakeScheduler struct{ log *opLog }

func (f *fakeScheduler) Schedule(agent *domain.Agent, _ *float64) (time.Duration, bool) {
	f.log.add("schedule:" + agent.ID)
	return time.Minute, agent.CanSchedule()
}

func (f *fakeScheduler) Stop(agentID string) { f.log.add("stop:" + agentID) }

func (f *fakeScheduler) TriggerJealousy(_ context.Context, target *domain.Agent) ([]string, error) {
	f.log.add("jealousy:" + target.ID)
	return nil, nil
}

type fakeGroups struct{ log *opLog }

func (f *fakeGroups) OnUserMessage(_ context.Context, groupID, _ string) (time.Duration, error) {
	f.log.add("group_message:" + groupID)
	return time.Second, nil
}

func (f *fakeGroups) Cancel(groupID string) { f.log.add("cancel:" + groupID) }

type fakeJudge struct{}

func (fakeJudge) Assess(_ context.Context, source, target *domain.Agent) relation.Judgment {
	return relation.Judgment{Affinity: len(source.Name) * 10, Impression: source.Name + " likes " + target.Name}
}

type recordingBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *recordingBus) Publish(evt bus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *recordingBus) count(t bus.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	repo   store.Repository
	ledger *ledger.Ledger
	log    *opLog
	bus    *recordingBus
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	h := &harness{repo: repo, log: &opLog{}, bus: &recordingBus{}}
	h.ledger = ledger.New(repo, nil, nil)
	h.engine = New(Deps{
		Repo:      repo,
		Ledger:    h.ledger,
		Runner:    &fakeRunner{log: h.log},
		Scheduler: &fakeScheduler{log: h.log},
		Groups:    &fakeGroups{log: h.log},
		Judge:     fakeJudge{},
		Bus:       h.bus,
	}, emotion.DefaultPolicy(), DefaultConfig(), nil)
	t.Cleanup(h.engine.Shutdown)
	return h
}

func (h *harness) agent(t *testing.T, a domain.Agent) {
	t.Helper()
	a.Active = true
	a.MinInterval, a.MaxInterval = 10, 20
	if err := h.repo.UpsertAgent(context.Background(), &a); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
}

func (h *harness) fund(t *testing.T, account string, cents int64) {
	t.Helper()
	if err := h.repo.SetBalance(context.Background(), account, cents); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
}

func (h *harness) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := h.repo.Balance(context.Background(), account)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	return b
}

func TestSendToAgentCalmsAndReplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice", PressureLevel: 3, PressureEnabled: true, Affinity: 60})
	ctx := context.Background()

	msg, err := h.engine.SendToAgent(ctx, "a1", "  hey there ")
	if err != nil {
		t.Fatalf("SendToAgent failed: %v", err)
	}
	if msg.Content != "hey there" || msg.Role != domain.RoleUser {
		t.Fatalf("unexpected stored message %+v", msg)
	}
	h.engine.Wait()

	a, _ := h.repo.GetAgent(ctx, "a1")
	if a.PressureLevel != 0 {
		t.Fatalf("expected pressure reset, got %d", a.PressureLevel)
	}
	want := []string{"stop:a1", "jealousy:a1", "turn:reply:a1", "schedule:a1"}
	got := h.log.list()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ops = %v, want %v", got, want)
		}
	}
	if h.bus.count(bus.EventMessage) != 1 {
		t.Fatal("expected the user message on the bus")
	}
}

func TestSendToAgentRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice"})
	ctx := context.Background()

	if _, err := h.engine.SendToAgent(ctx, "a1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := h.engine.SendToAgent(ctx, "ghost", "hi"); !errors.Is(err, pipeline.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if len(h.log.list()) != 0 {
		t.Fatalf("no machinery should run, got %v", h.log.list())
	}
}

func TestSendTransferUnblocksAndCredits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice", PressureLevel: 4, IsBlocked: true, Affinity: 5})
	h.fund(t, domain.UserAccount, 10000)
	ctx := context.Background()

	tr, err := h.engine.SendTransfer(ctx, "a1", 520, "sorry")
	if err != nil {
		t.Fatalf("SendTransfer failed: %v", err)
	}
	h.engine.Wait()

	if tr.State != domain.TransferClaimed {
		t.Fatalf("expected auto-claimed transfer, got %s", tr.State)
	}
	if got := h.balance(t, domain.UserAccount); got != 9480 {
		t.Fatalf("user balance = %d, want 9480", got)
	}
	if got := h.balance(t, "a1"); got != 520 {
		t.Fatalf("agent balance = %d, want 520", got)
	}
	a, _ := h.repo.GetAgent(ctx, "a1")
	if a.IsBlocked || a.PressureLevel != 0 || a.Affinity != 5+emotion.DefaultPolicy().TransferBonus {
		t.Fatalf("unexpected agent state after transfer: %+v", a)
	}
	if !h.log.has("turn:reply:a1") || h.bus.count(bus.EventWalletSync) == 0 {
		t.Fatalf("expected reply turn and wallet sync, ops=%v", h.log.list())
	}
}

func TestSendTransferInsufficientFunds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice"})
	h.fund(t, domain.UserAccount, 100)
	ctx := context.Background()

	if _, err := h.engine.SendTransfer(ctx, "a1", 520, ""); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	msgs, _ := h.repo.ListMessages(ctx, domain.AgentConversation("a1"), store.ListOptions{IncludeHidden: true})
	if len(msgs) != 0 || h.balance(t, domain.UserAccount) != 100 {
		t.Fatal("failed transfer must leave no trace")
	}
}

func TestClaimAndRefundAgentTransfers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice"})
	h.fund(t, "a1", 1000)
	ctx := context.Background()

	first, err := h.ledger.Transfer(ctx, "a1", domain.UserAccount, 300, "for you")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if _, err := h.engine.ClaimTransfer(ctx, first.ID); err != nil {
		t.Fatalf("ClaimTransfer failed: %v", err)
	}
	second, _ := h.ledger.Transfer(ctx, "a1", domain.UserAccount, 200, "")
	if _, err := h.engine.RefundTransfer(ctx, second.ID); err != nil {
		t.Fatalf("RefundTransfer failed: %v", err)
	}
	if _, err := h.engine.ClaimTransfer(ctx, second.ID); !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}

	if got := h.balance(t, domain.UserAccount); got != 300 {
		t.Fatalf("user balance = %d, want 300", got)
	}
	if got := h.balance(t, "a1"); got != 700 {
		t.Fatalf("agent balance = %d, want 700", got)
	}
}

func TestWipeStopsBeforeClearing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice", PressureLevel: 2})
	ctx := context.Background()
	if _, err := h.engine.SendToAgent(ctx, "a1", "hello"); err != nil {
		t.Fatalf("SendToAgent failed: %v", err)
	}
	h.engine.Wait()
	before, _ := h.repo.GetAgent(ctx, "a1")

	a, err := h.engine.Wipe(ctx, "a1")
	if err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if a.Generation != before.Generation+1 {
		t.Fatalf("generation = %d, want %d", a.Generation, before.Generation+1)
	}
	msgs, _ := h.repo.ListMessages(ctx, a.Conversation(), store.ListOptions{IncludeHidden: true})
	if len(msgs) != 0 {
		t.Fatalf("expected empty conversation, got %d messages", len(msgs))
	}
	ops := h.log.list()
	tail := ops[len(ops)-2:]
	if tail[0] != "stop:a1" || tail[1] != "schedule:a1" {
		t.Fatalf("expected stop then schedule, got %v", ops)
	}
}

func TestPauseResumeUnblock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice", IsBlocked: true, PressureLevel: 4})
	ctx := context.Background()

	a, err := h.engine.Unblock(ctx, "a1")
	if err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if a.IsBlocked || a.PressureLevel != 0 {
		t.Fatalf("unexpected state after unblock: %+v", a)
	}

	a, err = h.engine.Pause(ctx, "a1")
	if err != nil || a.Active {
		t.Fatalf("Pause: agent=%+v err=%v", a, err)
	}
	a, err = h.engine.Resume(ctx, "a1")
	if err != nil || !a.Active {
		t.Fatalf("Resume: agent=%+v err=%v", a, err)
	}

	want := []string{"schedule:a1", "stop:a1", "schedule:a1"}
	got := h.log.list()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ops = %v, want %v", got, want)
		}
	}
	if _, err := h.engine.Pause(ctx, "ghost"); !errors.Is(err, pipeline.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestDeleteAgentAndGroup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice"})
	ctx := context.Background()
	g := &domain.Group{ID: "g1", Name: "Crew", Members: []domain.Member{{ID: domain.UserAccount, Name: "Me"}, {ID: "a1", Name: "Alice"}}}
	if err := h.repo.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}

	if err := h.engine.DeleteGroup(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if got, _ := h.repo.GetGroup(ctx, "g1"); got != nil {
		t.Fatal("group should be gone")
	}
	if err := h.engine.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	if got, _ := h.repo.GetAgent(ctx, "a1"); got != nil {
		t.Fatal("agent should be gone")
	}
	if !h.log.has("cancel:g1") || !h.log.has("stop:a1") {
		t.Fatalf("expected cancel and stop, got %v", h.log.list())
	}
	if err := h.engine.DeleteGroup(ctx, "g1"); !errors.Is(err, pipeline.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestSendToGroupArmsDebounce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	g := &domain.Group{ID: "g1", Name: "Crew", Members: []domain.Member{{ID: domain.UserAccount, Name: "Me"}, {ID: "a1", Name: "Alice"}}}
	if err := h.repo.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}

	if _, err := h.engine.SendToGroup(ctx, "g1", "@Alice hi"); err != nil {
		t.Fatalf("SendToGroup failed: %v", err)
	}
	if !h.log.has("group_message:g1") {
		t.Fatalf("expected orchestrator trigger, got %v", h.log.list())
	}
	msgs, _ := h.engine.ListMessages(ctx, domain.GroupConversation("g1"), store.ListOptions{})
	if len(msgs) != 1 || msgs[0].SenderID != domain.UserAccount {
		t.Fatalf("unexpected group history %+v", msgs)
	}
}

func TestRedPacketSharesAcrossMembers(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.roll = func() float64 { return 0 }
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice"})
	h.agent(t, domain.Agent{ID: "a2", Name: "Bob"})
	h.fund(t, domain.UserAccount, 1000)
	ctx := context.Background()
	g := &domain.Group{ID: "g1", Name: "Crew", Members: []domain.Member{
		{ID: domain.UserAccount, Name: "Me"}, {ID: "a1", Name: "Alice"}, {ID: "a2", Name: "Bob"},
	}}
	if err := h.repo.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}

	p, err := h.engine.SendRedPacket(ctx, "g1", 300, 3, domain.RedPacketFixed, "lunch")
	if err != nil {
		t.Fatalf("SendRedPacket failed: %v", err)
	}
	h.engine.Wait()

	claim, err := h.engine.ClaimRedPacket(ctx, p.ID)
	if err != nil {
		t.Fatalf("ClaimRedPacket failed: %v", err)
	}
	if claim.Amount != 100 {
		t.Fatalf("user share = %d, want 100", claim.Amount)
	}
	if h.balance(t, "a1") != 100 || h.balance(t, "a2") != 100 || h.balance(t, domain.UserAccount) != 800 {
		t.Fatal("shares not credited as expected")
	}
	if _, err := h.engine.ClaimRedPacket(ctx, p.ID); !errors.Is(err, ledger.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
	if !h.log.has("group_message:g1") {
		t.Fatal("agents should be prompted to react to the red packet")
	}
}

func TestIntroduceStoresBothImpressions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.agent(t, domain.Agent{ID: "a1", Name: "Alice"})
	h.agent(t, domain.Agent{ID: "a2", Name: "Bob"})
	ctx := context.Background()

	rels, err := h.engine.Introduce(ctx, "a1", "a2")
	if err != nil {
		t.Fatalf("Introduce failed: %v", err)
	}
	if len(rels) != 2 {
		t.Fatalf("expected 2 relationships, got %d", len(rels))
	}
	got, _ := h.repo.GetRelationship(ctx, "a2", "a1", domain.ScopeAcquaintance)
	if got == nil || got.Affinity != 30 || got.Impression != "Bob likes Alice" {
		t.Fatalf("unexpected stored relationship %+v", got)
	}
	if _, err := h.engine.Introduce(ctx, "a1", "a1"); !errors.Is(err, ErrSelfIntroduction) {
		t.Fatalf("expected ErrSelfIntroduction, got %v", err)
	}
}
