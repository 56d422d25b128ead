// Package domain contains core domain types for the companions engine.
package domain

import (
	"time"
)

// UserAccount is the wallet account and member ID of the human user.
const UserAccount = "user"

// MaxPressure is the highest pressure level ("panic").
const MaxPressure = 4

// Agent is a simulated chat participant with its own schedule, emotional
// state, and wallet.
type Agent struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Persona string `json:"persona"`

	// Generation parameters.
	Endpoint  string `json:"endpoint,omitempty"`
	APIKey    string `json:"-"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	// Proactive interval bounds in minutes.
	MinInterval float64 `json:"min_interval"`
	MaxInterval float64 `json:"max_interval"`

	// Feature toggles.
	ProactiveEnabled bool    `json:"proactive_enabled"`
	TimerEnabled     bool    `json:"timer_enabled"`
	PressureEnabled  bool    `json:"pressure_enabled"`
	JealousyEnabled  bool    `json:"jealousy_enabled"`
	JealousyChance   float64 `json:"jealousy_chance"`

	PressureLevel int   `json:"pressure_level"`
	Affinity      int   `json:"affinity"`
	IsBlocked     bool  `json:"is_blocked"`
	Active        bool  `json:"active"`
	WalletBalance int64 `json:"wallet_balance"`

	DiaryUnlocked bool   `json:"diary_unlocked"`
	DiaryPassword string `json:"-"`

	// Generation is bumped on every deep wipe. A turn whose captured
	// generation no longer matches is stale and must be discarded.
	Generation int64 `json:"generation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanSchedule reports whether the agent may receive proactive cycles.
func (a *Agent) CanSchedule() bool {
	return a != nil && a.Active && !a.IsBlocked
}

// Conversation returns the conversation key of the agent's direct chat.
func (a *Agent) Conversation() string {
	return AgentConversation(a.ID)
}

// ClampAffinity bounds an affinity score to [0,100].
func ClampAffinity(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampPressure bounds a pressure level to [0,MaxPressure].
func ClampPressure(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxPressure {
		return MaxPressure
	}
	return v
}
