package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/companions/internal/domain"
)

const agentColumns = `
	a.id, a.name, a.persona, a.endpoint, a.api_key, a.model, a.max_tokens,
	a.min_interval, a.max_interval,
	a.proactive_enabled, a.timer_enabled, a.pressure_enabled, a.jealousy_enabled, a.jealousy_chance,
	a.pressure_level, a.affinity, a.is_blocked, a.active,
	a.diary_unlocked, a.diary_password, a.generation,
	COALESCE(w.balance, 0), a.created_at, a.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var createdAt, updatedAt int64
	err := row.Scan(
		&a.ID, &a.Name, &a.Persona, &a.Endpoint, &a.APIKey, &a.Model, &a.MaxTokens,
		&a.MinInterval, &a.MaxInterval,
		&a.ProactiveEnabled, &a.TimerEnabled, &a.PressureEnabled, &a.JealousyEnabled, &a.JealousyChance,
		&a.PressureLevel, &a.Affinity, &a.IsBlocked, &a.Active,
		&a.DiaryUnlocked, &a.DiaryPassword, &a.Generation,
		&a.WalletBalance, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMicros(createdAt)
	a.UpdatedAt = fromMicros(updatedAt)
	return &a, nil
}

func getAgent(ctx context.Context, q queryer, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + `
		FROM agents a LEFT JOIN wallets w ON w.account = a.id
		WHERE a.id = ?`
	a, err := scanAgent(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	return a, nil
}

// GetAgent retrieves an agent with its wallet balance.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return getAgent(ctx, s.db, id)
}

// ListAgents returns all agents ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + `
		FROM agents a LEFT JOIN wallets w ON w.account = a.id
		ORDER BY a.id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer closeRows(rows, "agents")

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// UpsertAgent creates an agent or updates its persona and configuration.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	query := `
	INSERT INTO agents (
		id, name, persona, endpoint, api_key, model, max_tokens,
		min_interval, max_interval,
		proactive_enabled, timer_enabled, pressure_enabled, jealousy_enabled, jealousy_chance,
		pressure_level, affinity, is_blocked, active,
		diary_unlocked, diary_password, generation, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		persona = excluded.persona,
		endpoint = excluded.endpoint,
		api_key = excluded.api_key,
		model = excluded.model,
		max_tokens = excluded.max_tokens,
		min_interval = excluded.min_interval,
		max_interval = excluded.max_interval,
		proactive_enabled = excluded.proactive_enabled,
		timer_enabled = excluded.timer_enabled,
		pressure_enabled = excluded.pressure_enabled,
		jealousy_enabled = excluded.jealousy_enabled,
		jealousy_chance = excluded.jealousy_chance,
		active = excluded.active,
		updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.Persona, agent.Endpoint, agent.APIKey, agent.Model, agent.MaxTokens,
		agent.MinInterval, agent.MaxInterval,
		agent.ProactiveEnabled, agent.TimerEnabled, agent.PressureEnabled, agent.JealousyEnabled, agent.JealousyChance,
		domain.ClampPressure(agent.PressureLevel), domain.ClampAffinity(agent.Affinity), agent.IsBlocked, agent.Active,
		agent.DiaryUnlocked, agent.DiaryPassword,
		toMicros(createdAt), toMicros(now),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// PatchAgent applies a targeted state mutation and returns the fresh agent.
func (s *SQLiteStore) PatchAgent(ctx context.Context, id string, patch AgentPatch) (*domain.Agent, error) {
	var out *domain.Agent
	err := s.withTx(ctx, "patch agent", func(tx *sql.Tx) error {
		query := `UPDATE agents SET
			pressure_level = COALESCE(?, pressure_level),
			affinity = MAX(0, MIN(100, affinity + ?)),
			is_blocked = COALESCE(?, is_blocked),
			active = COALESCE(?, active),
			diary_unlocked = COALESCE(?, diary_unlocked),
			diary_password = COALESCE(?, diary_password),
			updated_at = ?
			WHERE id = ?`

		var pressure, blocked, active, unlocked, password any
		if patch.PressureLevel != nil {
			pressure = domain.ClampPressure(*patch.PressureLevel)
		}
		if patch.IsBlocked != nil {
			blocked = *patch.IsBlocked
		}
		if patch.Active != nil {
			active = *patch.Active
		}
		if patch.DiaryUnlocked != nil {
			unlocked = *patch.DiaryUnlocked
		}
		if patch.DiaryPassword != nil {
			password = *patch.DiaryPassword
		}

		result, err := tx.ExecContext(ctx, query,
			pressure, patch.AffinityDelta, blocked, active, unlocked, password,
			toMicros(time.Now()), id,
		)
		if err != nil {
			return fmt.Errorf("patch agent: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}
		out, err = getAgent(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WipeAgent clears the agent's conversation and diary and bumps its generation.
func (s *SQLiteStore) WipeAgent(ctx context.Context, id string) (int64, error) {
	var generation int64
	err := s.withTx(ctx, "wipe agent", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation = ?`, domain.AgentConversation(id)); err != nil {
			return fmt.Errorf("delete agent messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM diary_entries WHERE agent_id = ?`, id); err != nil {
			return fmt.Errorf("delete agent diary: %w", err)
		}
		query := `UPDATE agents SET generation = generation + 1, pressure_level = 0,
			diary_unlocked = 0, updated_at = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, query, toMicros(time.Now()), id); err != nil {
			return fmt.Errorf("bump agent generation: %w", err)
		}
		err := tx.QueryRowContext(ctx, `SELECT generation FROM agents WHERE id = ?`, id).Scan(&generation)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("agent %s not found", id)
		}
		return err
	})
	return generation, err
}

// DeleteAgent removes the agent and everything scoped to it.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete agent", func(tx *sql.Tx) error {
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM messages WHERE conversation = ?`, []any{domain.AgentConversation(id)}},
			{`DELETE FROM diary_entries WHERE agent_id = ?`, []any{id}},
			{`DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, []any{id, id}},
			{`DELETE FROM group_members WHERE member_id = ?`, []any{id}},
			{`DELETE FROM agents WHERE id = ?`, []any{id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("delete agent: %w", err)
			}
		}
		return nil
	})
}
