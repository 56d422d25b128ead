package pipeline

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/directive"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/ledger"
	"github.com/ashureev/companions/internal/store"
)

// apply runs the plan's side effects in directive order. A failing effect
// is logged and recorded as skipped; it never aborts the turn.
func (r *Runner) apply(ctx context.Context, res *TurnResult, agent *domain.Agent, groupID string, plan directive.Plan) {
	for _, m := range plan.Malformed {
		r.logger.Warn("Malformed directive", "agent_id", agent.ID, "tag", m.Tag, "raw", m.Raw, "reason", m.Reason)
		res.Skipped = append(res.Skipped, Effect{Kind: m.Tag, Detail: m.Reason})
	}
	for _, d := range plan.Ignored {
		res.Skipped = append(res.Skipped, Effect{Kind: d.Kind(), Detail: "not available in this conversation"})
	}

	if plan.Timer != nil {
		res.Applied = append(res.Applied, Effect{Kind: directive.KindTimer, Detail: strconv.FormatFloat(plan.Timer.Minutes, 'f', -1, 64)})
	}

	if t := plan.Transfer; t != nil {
		r.applyTransfer(ctx, res, agent, *t)
	}

	if m := plan.Moment; m != nil {
		moment := &domain.Moment{ID: uuid.NewString(), AuthorID: agent.ID, Content: m.Text, CreatedAt: r.now()}
		r.record(res, directive.KindMoment, moment.ID, r.repo.CreateMoment(ctx, moment))
	}

	if d := plan.Diary; d != nil {
		entry := &domain.DiaryEntry{ID: uuid.NewString(), AgentID: agent.ID, Content: d.Text, CreatedAt: r.now()}
		r.record(res, directive.KindDiary, entry.ID, r.repo.AppendDiary(ctx, entry))
	}

	if plan.UnlockDiary {
		unlocked := true
		r.patch(ctx, res, agent.ID, directive.KindUnlockDiary, store.AgentPatch{DiaryUnlocked: &unlocked})
	}

	if p := plan.DiaryPassword; p != nil {
		value := p.Value
		r.patch(ctx, res, agent.ID, directive.KindDiaryPassword, store.AgentPatch{DiaryPassword: &value})
	}

	if a := plan.Affinity; a != nil {
		r.patch(ctx, res, agent.ID, directive.KindAffinity, store.AgentPatch{AffinityDelta: a.Delta})
	}

	if p := plan.Pressure; p != nil {
		if agent.PressureEnabled {
			level := p.Level
			r.patch(ctx, res, agent.ID, directive.KindPressure, store.AgentPatch{PressureLevel: &level})
		} else {
			res.Skipped = append(res.Skipped, Effect{Kind: directive.KindPressure, Detail: "pressure disabled"})
		}
	}

	for _, like := range plan.Likes {
		if !r.momentExists(ctx, res, directive.KindMomentLike, like.MomentID) {
			continue
		}
		_, err := r.repo.ToggleMomentLike(ctx, like.MomentID, agent.ID)
		r.record(res, directive.KindMomentLike, like.MomentID, err)
	}

	for _, c := range plan.Comments {
		if !r.momentExists(ctx, res, directive.KindMomentComment, c.MomentID) {
			continue
		}
		comment := &domain.MomentComment{ID: uuid.NewString(), MomentID: c.MomentID, AuthorID: agent.ID, Content: c.Text, CreatedAt: r.now()}
		r.record(res, directive.KindMomentComment, comment.ID, r.repo.AddMomentComment(ctx, comment))
	}

	if groupID != "" {
		r.applyCharAffinity(ctx, res, agent.ID, groupID, plan.CharAffinities)
	}
}

func (r *Runner) applyTransfer(ctx context.Context, res *TurnResult, agent *domain.Agent, t directive.Transfer) {
	if r.ledger == nil {
		res.Skipped = append(res.Skipped, Effect{Kind: directive.KindTransfer, Detail: "ledger unavailable"})
		return
	}
	tr, err := r.ledger.Transfer(ctx, agent.ID, domain.UserAccount, t.Amount, t.Note)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			r.logger.Warn("Skipping transfer directive, insufficient funds", "agent_id", agent.ID, "amount", t.Amount)
		} else {
			r.logger.Error("Transfer directive failed", "agent_id", agent.ID, "error", err)
		}
		res.Skipped = append(res.Skipped, Effect{Kind: directive.KindTransfer, Detail: err.Error()})
		return
	}
	res.Applied = append(res.Applied, Effect{Kind: directive.KindTransfer, Ref: tr.ID, Detail: domain.FormatCents(tr.Amount)})
	balances := make(map[string]int64, 2)
	for _, acct := range []string{agent.ID, domain.UserAccount} {
		if b, err := r.ledger.Balance(ctx, acct); err == nil {
			balances[acct] = b
		}
	}
	r.bus.Publish(bus.Event{Type: bus.EventWalletSync, AgentID: agent.ID, Payload: balances})
}

func (r *Runner) applyCharAffinity(ctx context.Context, res *TurnResult, agentID, groupID string, deltas []directive.CharAffinity) {
	if len(deltas) == 0 {
		return
	}
	group, err := r.repo.GetGroup(ctx, groupID)
	if err != nil || group == nil {
		r.logger.Error("Failed to load group for affinity", "group_id", groupID, "error", err)
		return
	}
	for _, ca := range deltas {
		m, ok := group.Member(ca.TargetID)
		if !ok || m.ID == agentID {
			res.Skipped = append(res.Skipped, Effect{Kind: directive.KindCharAffinity, Ref: ca.TargetID, Detail: "not a group member"})
			continue
		}
		_, err := r.repo.AdjustRelationship(ctx, agentID, m.ID, domain.GroupScope(groupID), ca.Delta)
		r.record(res, directive.KindCharAffinity, m.ID, err)
	}
}

func (r *Runner) momentExists(ctx context.Context, res *TurnResult, kind directive.Kind, id string) bool {
	m, err := r.repo.GetMoment(ctx, id)
	if err != nil || m == nil {
		res.Skipped = append(res.Skipped, Effect{Kind: kind, Ref: id, Detail: "unknown moment"})
		return false
	}
	return true
}

func (r *Runner) patch(ctx context.Context, res *TurnResult, agentID string, kind directive.Kind, p store.AgentPatch) {
	_, err := r.repo.PatchAgent(ctx, agentID, p)
	r.record(res, kind, agentID, err)
}

func (r *Runner) record(res *TurnResult, kind directive.Kind, ref string, err error) {
	if err != nil {
		r.logger.Error("Directive failed", "kind", kind, "ref", ref, "error", err)
		res.Skipped = append(res.Skipped, Effect{Kind: kind, Ref: ref, Detail: err.Error()})
		return
	}
	res.Applied = append(res.Applied, Effect{Kind: kind, Ref: ref})
}
