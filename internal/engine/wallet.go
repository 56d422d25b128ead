package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ashureev/companions/internal/bus"
	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/ledger"
	"github.com/ashureev/companions/internal/store"
)

// Balance returns the wallet balance of account.
func (e *Engine) Balance(ctx context.Context, account string) (int64, error) {
	return e.ledger.Balance(ctx, account)
}

// publishWallets emits the current balance of each account.
func (e *Engine) publishWallets(ctx context.Context, accounts ...string) {
	balances := make(map[string]int64, len(accounts))
	for _, acct := range accounts {
		b, err := e.ledger.Balance(ctx, acct)
		if err != nil {
			e.logger.Warn("Failed to read balance for sync", "account", acct, "error", err)
			continue
		}
		balances[acct] = b
	}
	e.bus.Publish(bus.Event{Type: bus.EventWalletSync, Payload: balances})
}

// SendTransfer pays agentID from the user's wallet. The agent accepts the
// money right away, which calms it, may lift a block, and prompts a reply.
func (e *Engine) SendTransfer(ctx context.Context, agentID string, amount int64, note string) (*domain.Transfer, error) {
	a, err := e.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	t, err := e.ledger.Transfer(ctx, domain.UserAccount, a.ID, amount, note)
	if err != nil {
		return nil, err
	}
	t, err = e.ledger.Claim(ctx, t.ID, a.ID)
	if err != nil {
		return nil, fmt.Errorf("agent claim: %w", err)
	}

	content := fmt.Sprintf("Sent you %s.", domain.FormatCents(amount))
	if note != "" {
		content += " " + note
	}
	msg, err := e.appendUserMessage(ctx, a.Conversation(), content)
	if err != nil {
		return t, err
	}
	e.bus.Publish(bus.Event{Type: bus.EventMessage, AgentID: a.ID, Payload: msg})
	e.publishWallets(ctx, domain.UserAccount, a.ID)

	if err := e.calm(ctx, a, e.policy.ReceiveTransfer(*a)); err != nil {
		return t, err
	}
	e.reply(a.ID)
	return t, nil
}

// ClaimTransfer accepts a pending transfer addressed to the user.
func (e *Engine) ClaimTransfer(ctx context.Context, transferID string) (*domain.Transfer, error) {
	t, err := e.ledger.Claim(ctx, transferID, domain.UserAccount)
	if err != nil {
		return nil, err
	}
	e.publishWallets(ctx, t.Sender, t.Recipient)
	return t, nil
}

// RefundTransfer returns a transfer to its sender on the user's behalf.
func (e *Engine) RefundTransfer(ctx context.Context, transferID string) (*domain.Transfer, error) {
	t, err := e.ledger.Refund(ctx, transferID, domain.UserAccount)
	if err != nil {
		return nil, err
	}
	e.publishWallets(ctx, t.Sender, t.Recipient)
	return t, nil
}

// SendRedPacket posts a red packet from the user into groupID. Member agents
// then try their luck in the background.
func (e *Engine) SendRedPacket(ctx context.Context, groupID string, total int64, count int, mode domain.RedPacketMode, note string) (*domain.RedPacket, error) {
	g, err := e.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	conversation := domain.GroupConversation(g.ID)
	p, err := e.ledger.CreateRedPacket(ctx, domain.UserAccount, conversation, total, count, mode, note)
	if err != nil {
		return nil, err
	}

	content := fmt.Sprintf("Sent a red packet of %s for %d.", domain.FormatCents(total), count)
	if note != "" {
		content += " " + note
	}
	msg, err := e.appendUserMessage(ctx, conversation, content)
	if err != nil {
		return p, err
	}
	e.bus.Publish(bus.Event{Type: bus.EventGroupMessage, GroupID: g.ID, Payload: msg})
	e.publishWallets(ctx, domain.UserAccount)

	members := g.Agents()
	e.background("red_packet", func(ctx context.Context) {
		e.grabRedPacket(ctx, g.ID, p.ID, members)
		if _, err := e.groups.OnUserMessage(ctx, g.ID, content); err != nil {
			e.logger.Warn("Failed to trigger replies to red packet", "group_id", g.ID, "error", err)
		}
	})
	return p, nil
}

func (e *Engine) grabRedPacket(ctx context.Context, groupID, packetID string, members []domain.Member) {
	order := rand.Perm(len(members))
	for _, i := range order {
		m := members[i]
		if e.roll() >= e.cfg.RedPacketClaimChance {
			continue
		}
		claim, err := e.ledger.ClaimRedPacket(ctx, packetID, m.ID)
		if errors.Is(err, ledger.ErrPacketEmpty) {
			return
		}
		if err != nil {
			e.logger.Warn("Agent failed to claim red packet", "group_id", groupID, "agent_id", m.ID, "error", err)
			continue
		}

		note := &domain.Message{
			Conversation: domain.GroupConversation(groupID),
			SenderID:     m.ID,
			Role:         domain.RoleSystem,
			Content:      fmt.Sprintf("%s grabbed %s from the red packet.", m.Name, domain.FormatCents(claim.Amount)),
		}
		if err := e.repo.AppendMessages(ctx, store.MessageGuard{}, []*domain.Message{note}); err != nil {
			e.logger.Warn("Failed to record red packet claim", "group_id", groupID, "error", err)
		} else {
			e.bus.Publish(bus.Event{Type: bus.EventGroupMessage, GroupID: groupID, AgentID: m.ID, Payload: note})
		}
		e.publishWallets(ctx, m.ID)
	}
}

// ClaimRedPacket takes the user's share of a red packet.
func (e *Engine) ClaimRedPacket(ctx context.Context, packetID string) (domain.RedPacketClaim, error) {
	claim, err := e.ledger.ClaimRedPacket(ctx, packetID, domain.UserAccount)
	if err != nil {
		return claim, err
	}
	e.publishWallets(ctx, domain.UserAccount)
	return claim, nil
}
