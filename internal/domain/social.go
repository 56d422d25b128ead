package domain

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ScopeAcquaintance is the durable relationship scope.
const ScopeAcquaintance = "acquaintance"

const groupScopePrefix = "group:"

// GroupScope returns the ephemeral relationship scope of a group.
func GroupScope(groupID string) string {
	return groupScopePrefix + groupID
}

// IsGroupScope reports whether scope belongs to a group.
func IsGroupScope(scope string) bool {
	return strings.HasPrefix(scope, groupScopePrefix)
}

// Relationship is the source's view of target within one scope. For the
// acquaintance scope Affinity is the base score; for group scopes it is a delta.
type Relationship struct {
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	Scope      string    `json:"scope"`
	Affinity   int       `json:"affinity"`
	Impression string    `json:"impression"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EffectiveAffinity combines an acquaintance base with group deltas, clamped to [0,100].
func EffectiveAffinity(rels []Relationship) int {
	total := 0
	for _, r := range rels {
		total += r.Affinity
	}
	return ClampAffinity(total)
}

// Member is one participant of a group.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IsUser reports whether the member is the human user.
func (m Member) IsUser() bool {
	return m.ID == UserAccount
}

// Group is a multi-agent chat with its own reply policy.
type Group struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	SkipProbability float64  `json:"skip_probability"`
	NoChain         bool     `json:"no_chain"`
	Members         []Member `json:"members"`
	// Generation is bumped when the group history is cleared.
	Generation int64     `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
}

// Member returns the member with id, if present.
func (g *Group) Member(id string) (Member, bool) {
	for _, m := range g.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Agents returns all non-user members.
func (g *Group) Agents() []Member {
	out := make([]Member, 0, len(g.Members))
	for _, m := range g.Members {
		if !m.IsUser() {
			out = append(out, m)
		}
	}
	return out
}

// Moment is a social-feed post.
type Moment struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"author_id"`
	Content   string          `json:"content"`
	Likes     []string        `json:"likes"`
	Comments  []MomentComment `json:"comments"`
	CreatedAt time.Time       `json:"created_at"`
}

// MomentComment is a comment on a Moment.
type MomentComment struct {
	ID        string    `json:"id"`
	MomentID  string    `json:"moment_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DiaryEntry is a private diary entry of an agent.
type DiaryEntry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Mentions scans text for @name or @id references to members other than
// exclude. An @all or @everyone mention selects every agent member. A
// mention must end at a non-alphanumeric rune or the end of text, and the
// longest matching handle wins, so "@Alice" never mentions a member "Al".
func (g *Group) Mentions(text, exclude string) (ids []string, all bool) {
	type handle struct {
		key string
		id  string
	}
	var handles []handle
	for _, m := range g.Agents() {
		if m.Name != "" {
			handles = append(handles, handle{strings.ToLower(m.Name), m.ID})
		}
		handles = append(handles, handle{strings.ToLower(m.ID), m.ID})
	}
	handles = append(handles, handle{key: "all"}, handle{key: "everyone"})
	sort.SliceStable(handles, func(i, j int) bool { return len(handles[i].key) > len(handles[j].key) })

	lower := strings.ToLower(text)
	hit := make(map[string]bool)
	for i := 0; i < len(lower); i++ {
		if lower[i] != '@' {
			continue
		}
		rest := lower[i+1:]
		for _, h := range handles {
			if !strings.HasPrefix(rest, h.key) || !mentionBoundary(rest[len(h.key):]) {
				continue
			}
			if h.id == "" {
				all = true
			} else {
				hit[h.id] = true
			}
			break
		}
	}

	for _, m := range g.Agents() {
		if m.ID == exclude {
			continue
		}
		if all || hit[m.ID] {
			ids = append(ids, m.ID)
		}
	}
	return ids, all
}

func mentionBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
