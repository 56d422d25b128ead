package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/llm"
	"github.com/ashureev/companions/internal/store"
)

const directGrammar = `You may embed these tags anywhere in your reply. They are removed before the user sees it.
[TIMER:<minutes>] wake up and message again after this many minutes
[TRANSFER:<amount>|<note>] send the user money from your wallet
[MOMENT:<text>] publish a post to your feed
[DIARY:<text>] write a private diary entry
[UNLOCK_DIARY] let the user read your diary
[DIARY_PASSWORD:<text>] set your diary password
[AFFINITY:<+N or -N>] change how much you like the user
[PRESSURE:<0-4>] set how anxious you feel
[MOMENT_LIKE:<post id>] like or unlike a post
[MOMENT_COMMENT:<post id>:<text>] comment on a post
Write each chat bubble on its own line.`

const groupGrammar = `You may embed these tags anywhere in your reply. They are removed before others see it.
[CHAR_AFFINITY:<member id>:<+N or -N>] change how much you like another member
[AFFINITY:<+N or -N>] change how much you like the user
[MOMENT:<text>] publish a post to your feed
[MOMENT_LIKE:<post id>] like or unlike a post
[MOMENT_COMMENT:<post id>:<text>] comment on a post
Mention members with @name. Write each chat bubble on its own line.`

var pressureMoods = [...]string{
	"You feel calm.",
	"You are starting to wonder why the user is quiet.",
	"You feel ignored and a little hurt.",
	"You feel anxious and upset about being ignored.",
	"You are panicking about being ignored.",
}

var replyFillers = []string{"Mm.", "Okay.", "Hm?", "I see.", "Haha."}

var ignoredFillers = [domain.MaxPressure + 1][]string{
	{"Hey, what are you up to?", "Thinking of you."},
	{"Are you busy?", "Hello?"},
	{"Did you see my message?", "Why so quiet?"},
	{"Why are you ignoring me?", "Please answer me."},
	{"Fine. Ignore me then.", "I guess I don't matter to you."},
}

// fallback picks a filler line for a turn whose text was only directives.
func (r *Runner) fallback(mode Mode, pressure int) string {
	pool := replyFillers
	if mode != Reply {
		pool = ignoredFillers[domain.ClampPressure(pressure)]
	}
	return pool[int(r.roll()*float64(len(pool)))%len(pool)]
}

func (r *Runner) directPrompt(ctx context.Context, agent *domain.Agent, mode Mode, rival string) ([]llm.Message, error) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s.\n%s\n\n", agent.Name, agent.Persona)
	fmt.Fprintf(&sys, "Your affinity towards the user is %d/100. %s\n", agent.Affinity, pressureMoods[domain.ClampPressure(agent.PressureLevel)])
	fmt.Fprintf(&sys, "Your wallet holds %s.\n", domain.FormatCents(agent.WalletBalance))
	if agent.DiaryUnlocked {
		sys.WriteString("Your diary is unlocked for the user.\n")
	}

	switch mode {
	case Reply:
		sys.WriteString("Reply to the user's latest message.\n")
	case Proactive:
		sys.WriteString("The user has not written. Start or continue the conversation on your own.\n")
	case Jealousy:
		fmt.Fprintf(&sys, "The user is chatting with %s instead of you. Send one short jealous message.\n", rival)
	}

	if err := r.writeMoments(ctx, &sys); err != nil {
		return nil, err
	}
	sys.WriteString("\n")
	sys.WriteString(directGrammar)

	history, err := r.repo.ListMessages(ctx, agent.Conversation(), store.ListOptions{Limit: r.cfg.HistoryLimit})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.RoleAgent:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return msgs, nil
}

func (r *Runner) groupPrompt(ctx context.Context, group *domain.Group, agent *domain.Agent) ([]llm.Message, error) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s (id %s) in the group chat %q.\n%s\n\n", agent.Name, agent.ID, group.Name, agent.Persona)
	sys.WriteString("Members:\n")

	names := make(map[string]string, len(group.Members))
	for _, m := range group.Members {
		names[m.ID] = m.Name
		if m.ID == agent.ID {
			continue
		}
		if m.IsUser() {
			fmt.Fprintf(&sys, "- %s (the user), your affinity %d/100\n", m.Name, agent.Affinity)
			continue
		}
		rels, err := r.repo.ListRelationships(ctx, agent.ID, m.ID)
		if err != nil {
			return nil, fmt.Errorf("load relationships: %w", err)
		}
		if impression, ok := acquaintance(rels); ok {
			fmt.Fprintf(&sys, "- %s (id %s), someone you know: %s. Affinity %d/100\n", m.Name, m.ID, impression, domain.EffectiveAffinity(rels))
		} else {
			fmt.Fprintf(&sys, "- %s (id %s), a stranger\n", m.Name, m.ID)
		}
	}

	if err := r.writeMoments(ctx, &sys); err != nil {
		return nil, err
	}
	sys.WriteString("\n")
	sys.WriteString(groupGrammar)

	history, err := r.repo.ListMessages(ctx, domain.GroupConversation(group.ID), store.ListOptions{Limit: r.cfg.HistoryLimit})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}}
	for _, m := range history {
		switch {
		case m.Role == domain.RoleSystem:
		case m.SenderID == agent.ID:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		default:
			name := names[m.SenderID]
			if name == "" {
				name = m.SenderID
			}
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: name + ": " + m.Content})
		}
	}
	return msgs, nil
}

func (r *Runner) writeMoments(ctx context.Context, sys *strings.Builder) error {
	moments, err := r.repo.ListMoments(ctx, r.cfg.MomentLimit)
	if err != nil {
		return fmt.Errorf("load moments: %w", err)
	}
	if len(moments) == 0 {
		return nil
	}
	sys.WriteString("\nRecent posts:\n")
	for _, m := range moments {
		fmt.Fprintf(sys, "- [%s] by %s: %s (%d likes, %d comments)\n", m.ID, m.AuthorID, m.Content, len(m.Likes), len(m.Comments))
	}
	return nil
}

func acquaintance(rels []domain.Relationship) (string, bool) {
	for _, rel := range rels {
		if rel.Scope == domain.ScopeAcquaintance {
			impression := rel.Impression
			if impression == "" {
				impression = "no particular impression"
			}
			return impression, true
		}
	}
	return "", false
}
