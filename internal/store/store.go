// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/companions/internal/domain"
)

var (
	// ErrStale is returned when a guarded write observes that the agent or
	// group was wiped after the caller captured its generation.
	ErrStale = errors.New("conversation changed since generation started")

	// ErrNegativeBalance is returned when a wallet adjustment would overdraw.
	ErrNegativeBalance = errors.New("balance would become negative")

	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("row changed concurrently")
)

// MessageGuard makes AppendMessages conditional on an unchanged agent or
// group generation. A zero guard appends unconditionally.
type MessageGuard struct {
	AgentID    string
	GroupID    string
	Generation int64
}

// ListOptions paginates message reads. Messages are returned oldest first.
type ListOptions struct {
	BeforeID      int64
	Limit         int
	IncludeHidden bool
}

// AgentPatch describes a targeted agent state mutation. Nil fields are left
// untouched; AffinityDelta is added and clamped to [0,100].
type AgentPatch struct {
	PressureLevel *int
	AffinityDelta int
	IsBlocked     *bool
	Active        *bool
	DiaryUnlocked *bool
	DiaryPassword *string
}

// Repository defines the persistence operations consumed by the engine.
type Repository interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// GetAgent retrieves an agent with its wallet balance. Returns nil, nil if absent.
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)

	// ListAgents returns all agents ordered by ID.
	ListAgents(ctx context.Context) ([]*domain.Agent, error)

	// UpsertAgent creates an agent or updates its persona/config. Emotional
	// state and generation are only written on insert.
	UpsertAgent(ctx context.Context, agent *domain.Agent) error

	// PatchAgent applies a targeted state mutation and returns the fresh agent.
	PatchAgent(ctx context.Context, id string, patch AgentPatch) (*domain.Agent, error)

	// WipeAgent clears the agent's conversation and diary, resets pressure and
	// bumps its generation. Returns the new generation.
	WipeAgent(ctx context.Context, id string) (int64, error)

	// DeleteAgent removes the agent, its conversation, relationships and memberships.
	DeleteAgent(ctx context.Context, id string) error

	// AppendMessages persists msgs with strictly increasing timestamps per
	// conversation. Returns ErrStale if the guard no longer matches.
	AppendMessages(ctx context.Context, guard MessageGuard, msgs []*domain.Message) error

	// ListMessages reads one page of a conversation, oldest first.
	ListMessages(ctx context.Context, conversation string, opts ListOptions) ([]*domain.Message, error)

	// CreateMoment appends a social-feed post.
	CreateMoment(ctx context.Context, moment *domain.Moment) error

	// GetMoment retrieves a post with likes and comments. Returns nil, nil if absent.
	GetMoment(ctx context.Context, id string) (*domain.Moment, error)

	// ListMoments returns the most recent posts, newest first.
	ListMoments(ctx context.Context, limit int) ([]*domain.Moment, error)

	// ToggleMomentLike flips likerID's like and reports whether it is now liked.
	ToggleMomentLike(ctx context.Context, momentID, likerID string) (bool, error)

	// AddMomentComment appends a comment to a post.
	AddMomentComment(ctx context.Context, comment *domain.MomentComment) error

	// AppendDiary appends a private diary entry.
	AppendDiary(ctx context.Context, entry *domain.DiaryEntry) error

	// ListDiary returns an agent's diary, newest first.
	ListDiary(ctx context.Context, agentID string, limit int) ([]*domain.DiaryEntry, error)

	// GetRelationship retrieves one scoped relationship. Returns nil, nil if absent.
	GetRelationship(ctx context.Context, sourceID, targetID, scope string) (*domain.Relationship, error)

	// ListRelationships returns all scopes of source's relationships, optionally
	// restricted to one target.
	ListRelationships(ctx context.Context, sourceID, targetID string) ([]domain.Relationship, error)

	// UpsertRelationship creates or replaces a scoped relationship.
	UpsertRelationship(ctx context.Context, rel *domain.Relationship) error

	// AdjustRelationship adds delta to a scoped relationship, creating it if needed.
	AdjustRelationship(ctx context.Context, sourceID, targetID, scope string, delta int) (*domain.Relationship, error)

	// GetGroup retrieves a group with its members. Returns nil, nil if absent.
	GetGroup(ctx context.Context, id string) (*domain.Group, error)

	// UpsertGroup creates or updates a group and replaces its member list.
	UpsertGroup(ctx context.Context, group *domain.Group) error

	// ClearGroup deletes the group's messages and bumps its generation.
	ClearGroup(ctx context.Context, id string) (int64, error)

	// DeleteGroup removes the group, its messages, and its group-scoped relationships.
	DeleteGroup(ctx context.Context, id string) error

	// Balance returns the wallet balance of an account (0 if it has none).
	Balance(ctx context.Context, account string) (int64, error)

	// SetBalance overwrites an account balance. Used for seeding only.
	SetBalance(ctx context.Context, account string, balance int64) error

	// GetTransfer retrieves a transfer. Returns nil, nil if absent.
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)

	// GetRedPacket retrieves a red packet with its claims. Returns nil, nil if absent.
	GetRedPacket(ctx context.Context, id string) (*domain.RedPacket, error)

	// WithinLedgerTx runs fn inside one write transaction.
	WithinLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx exposes the wallet and payment operations available inside a
// ledger transaction.
type LedgerTx interface {
	Balance(ctx context.Context, account string) (int64, error)
	// AdjustBalance adds delta and returns the new balance, or ErrNegativeBalance.
	AdjustBalance(ctx context.Context, account string, delta int64) (int64, error)
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	// SetTransferState moves a transfer from one state to another, or returns ErrConflict.
	SetTransferState(ctx context.Context, id string, from, to domain.TransferState, claimed bool) error
	InsertRedPacket(ctx context.Context, p *domain.RedPacket) error
	GetRedPacket(ctx context.Context, id string) (*domain.RedPacket, error)
	// AppendRedPacketClaim records a claim and decrements the remaining count
	// if it still equals expectedRemaining, or returns ErrConflict.
	AppendRedPacketClaim(ctx context.Context, packetID string, claim domain.RedPacketClaim, expectedRemaining int) error
}
