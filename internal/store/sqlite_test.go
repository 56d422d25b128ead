package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/companions/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedAgent(t *testing.T, repo Repository, id string) {
	t.Helper()
	err := repo.UpsertAgent(context.Background(), &domain.Agent{
		ID:               id,
		Name:             "Agent " + id,
		MinInterval:      10,
		MaxInterval:      20,
		ProactiveEnabled: true,
		PressureEnabled:  true,
		Affinity:         60,
		Active:           true,
	})
	if err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}
}

func TestAgentRoundTripWithWallet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)
	seedAgent(t, repo, "a1")

	if err := repo.SetBalance(ctx, "a1", 5000); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}

	got, err := repo.GetAgent(ctx, "a1")
	if err != nil || got == nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.WalletBalance != 5000 {
		t.Fatalf("expected wallet 5000, got %d", got.WalletBalance)
	}
	if got.Affinity != 60 || !got.Active || got.MaxInterval != 20 {
		t.Fatalf("unexpected agent: %+v", got)
	}

	missing, err := repo.GetAgent(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing agent, got %v, %v", missing, err)
	}
}

func TestPatchAgentClampsAffinity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)
	seedAgent(t, repo, "a1")

	level := 9
	blocked := true
	got, err := repo.PatchAgent(ctx, "a1", AgentPatch{PressureLevel: &level, AffinityDelta: 500, IsBlocked: &blocked})
	if err != nil {
		t.Fatalf("PatchAgent failed: %v", err)
	}
	if got.PressureLevel != domain.MaxPressure {
		t.Fatalf("expected pressure clamped to %d, got %d", domain.MaxPressure, got.PressureLevel)
	}
	if got.Affinity != 100 {
		t.Fatalf("expected affinity 100, got %d", got.Affinity)
	}
	if !got.IsBlocked {
		t.Fatal("expected agent blocked")
	}

	got, err = repo.PatchAgent(ctx, "a1", AgentPatch{AffinityDelta: -250})
	if err != nil {
		t.Fatalf("PatchAgent failed: %v", err)
	}
	if got.Affinity != 0 {
		t.Fatalf("expected affinity 0, got %d", got.Affinity)
	}
}

func TestAppendMessagesStrictlyIncreasingTimestamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)
	seedAgent(t, repo, "a1")

	now := time.Now()
	conv := domain.AgentConversation("a1")
	msgs := []*domain.Message{
		{Conversation: conv, SenderID: "a1", Role: domain.RoleAgent, Content: "one", CreatedAt: now},
		{Conversation: conv, SenderID: "a1", Role: domain.RoleAgent, Content: "two", CreatedAt: now},
		{Conversation: conv, SenderID: "a1", Role: domain.RoleAgent, Content: "three", CreatedAt: now},
	}
	if err := repo.AppendMessages(ctx, MessageGuard{}, msgs); err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}

	got, err := repo.ListMessages(ctx, conv, ListOptions{})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatalf("timestamps not strictly increasing at %d: %v <= %v", i, got[i].CreatedAt, got[i-1].CreatedAt)
		}
	}
	if got[0].Content != "one" || got[2].Content != "three" {
		t.Fatalf("unexpected order: %q, %q", got[0].Content, got[2].Content)
	}
}

func TestAppendMessagesGuardDetectsWipe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)
	seedAgent(t, repo, "a1")

	agent, _ := repo.GetAgent(ctx, "a1")
	guard := MessageGuard{AgentID: "a1", Generation: agent.Generation}

	if _, err := repo.WipeAgent(ctx, "a1"); err != nil {
		t.Fatalf("WipeAgent failed: %v", err)
	}

	msg := &domain.Message{Conversation: agent.Conversation(), SenderID: "a1", Role: domain.RoleAgent, Content: "late"}
	err := repo.AppendMessages(ctx, guard, []*domain.Message{msg})
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	got, _ := repo.ListMessages(ctx, agent.Conversation(), ListOptions{IncludeHidden: true})
	if len(got) != 0 {
		t.Fatalf("expected no messages after stale append, got %d", len(got))
	}
}

func TestListMessagesPaginationAndHidden(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)
	conv := domain.GroupConversation("g1")

	var msgs []*domain.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, &domain.Message{Conversation: conv, SenderID: "user", Role: domain.RoleUser, Content: string(rune('a' + i)), Hidden: i == 4})
	}
	if err := repo.AppendMessages(ctx, MessageGuard{}, msgs); err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}

	visible, _ := repo.ListMessages(ctx, conv, ListOptions{})
	if len(visible) != 4 {
		t.Fatalf("expected 4 visible messages, got %d", len(visible))
	}
	all, _ := repo.ListMessages(ctx, conv, ListOptions{IncludeHidden: true})
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}
	page, _ := repo.ListMessages(ctx, conv, ListOptions{BeforeID: all[3].ID, Limit: 2, IncludeHidden: true})
	if len(page) != 2 || page[0].Content != "b" || page[1].Content != "c" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestRelationshipsAndGroupDeletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	err := repo.UpsertGroup(ctx, &domain.Group{
		ID:   "g1",
		Name: "Friends",
		Members: []domain.Member{
			{ID: domain.UserAccount, Name: "Me"},
			{ID: "a1", Name: "Alice"},
			{ID: "a2", Name: "Bob"},
		},
	})
	if err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}

	if err := repo.UpsertRelationship(ctx, &domain.Relationship{
		SourceID: "a1", TargetID: "a2", Scope: domain.ScopeAcquaintance, Affinity: 40, Impression: "kind",
	}); err != nil {
		t.Fatalf("UpsertRelationship failed: %v", err)
	}
	if _, err := repo.AdjustRelationship(ctx, "a1", "a2", domain.GroupScope("g1"), 5); err != nil {
		t.Fatalf("AdjustRelationship failed: %v", err)
	}
	rel, err := repo.AdjustRelationship(ctx, "a1", "a2", domain.GroupScope("g1"), 7)
	if err != nil {
		t.Fatalf("AdjustRelationship failed: %v", err)
	}
	if rel.Affinity != 12 {
		t.Fatalf("expected group delta 12, got %d", rel.Affinity)
	}

	rels, _ := repo.ListRelationships(ctx, "a1", "a2")
	if got := domain.EffectiveAffinity(rels); got != 52 {
		t.Fatalf("expected effective affinity 52, got %d", got)
	}

	if err := repo.DeleteGroup(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	rels, _ = repo.ListRelationships(ctx, "a1", "a2")
	if len(rels) != 1 || rels[0].Scope != domain.ScopeAcquaintance {
		t.Fatalf("expected only acquaintance row to survive, got %+v", rels)
	}
	g, _ := repo.GetGroup(ctx, "g1")
	if g != nil {
		t.Fatal("expected group to be deleted")
	}
}

func TestToggleMomentLike(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newTestStore(t)

	if err := repo.CreateMoment(ctx, &domain.Moment{ID: "m1", AuthorID: "a1", Content: "sunset"}); err != nil {
		t.Fatalf("CreateMoment failed: %v", err)
	}
	liked, err := repo.ToggleMomentLike(ctx, "m1", "a2")
	if err != nil || !liked {
		t.Fatalf("expected like, got %v, %v", liked, err)
	}
	liked, err = repo.ToggleMomentLike(ctx, "m1", "a2")
	if err != nil || liked {
		t.Fatalf("expected unlike, got %v, %v", liked, err)
	}
	if err := repo.AddMomentComment(ctx, &domain.MomentComment{ID: "c1", MomentID: "m1", AuthorID: "a2", Content: "wow"}); err != nil {
		t.Fatalf("AddMomentComment failed: %v", err)
	}
	m, _ := repo.GetMoment(ctx, "m1")
	if len(m.Likes) != 0 || len(m.Comments) != 1 {
		t.Fatalf("unexpected moment details: %+v", m)
	}
}
