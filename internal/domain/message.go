package domain

import (
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

const (
	agentConversationPrefix = "agent:"
	groupConversationPrefix = "group:"
)

// AgentConversation returns the conversation key for an agent's direct chat.
func AgentConversation(agentID string) string {
	return agentConversationPrefix + agentID
}

// GroupConversation returns the conversation key for a group chat.
func GroupConversation(groupID string) string {
	return groupConversationPrefix + groupID
}

// ParseConversation splits a conversation key into kind ("agent"/"group") and ID.
func ParseConversation(key string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(key, agentConversationPrefix):
		return "agent", strings.TrimPrefix(key, agentConversationPrefix), true
	case strings.HasPrefix(key, groupConversationPrefix):
		return "group", strings.TrimPrefix(key, groupConversationPrefix), true
	}
	return "", "", false
}

// Message is one chat message in an agent or group conversation.
// Hidden messages stay visible to the user but are excluded from generation context.
type Message struct {
	ID           int64     `json:"id"`
	Conversation string    `json:"conversation"`
	SenderID     string    `json:"sender_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Hidden       bool      `json:"hidden"`
	CreatedAt    time.Time `json:"created_at"`
}
