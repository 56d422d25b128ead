package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/companions/internal/domain"
)

// GetGroup retrieves a group with its members in join order.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*domain.Group, error) {
	var g domain.Group
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, skip_probability, no_chain, generation, created_at FROM chat_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.SkipProbability, &g.NoChain, &g.Generation, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan group row: %w", err)
	}
	g.CreatedAt = fromMicros(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, name FROM group_members WHERE group_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer closeRows(rows, "group members")
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return &g, nil
}

// UpsertGroup creates or updates a group and replaces its member list.
func (s *SQLiteStore) UpsertGroup(ctx context.Context, group *domain.Group) error {
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now()
	}
	return s.withTx(ctx, "upsert group", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_groups (id, name, skip_probability, no_chain, generation, created_at)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				skip_probability = excluded.skip_probability,
				no_chain = excluded.no_chain`,
			group.ID, group.Name, group.SkipProbability, group.NoChain, toMicros(group.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, group.ID); err != nil {
			return fmt.Errorf("clear group members: %w", err)
		}
		for i, m := range group.Members {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO group_members (group_id, member_id, name, position) VALUES (?, ?, ?, ?)`,
				group.ID, m.ID, m.Name, i,
			); err != nil {
				return fmt.Errorf("insert group member: %w", err)
			}
		}
		return nil
	})
}

// ClearGroup deletes the group's messages and bumps its generation.
func (s *SQLiteStore) ClearGroup(ctx context.Context, id string) (int64, error) {
	var generation int64
	err := s.withTx(ctx, "clear group", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation = ?`, domain.GroupConversation(id)); err != nil {
			return fmt.Errorf("delete group messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chat_groups SET generation = generation + 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("bump group generation: %w", err)
		}
		err := tx.QueryRowContext(ctx, `SELECT generation FROM chat_groups WHERE id = ?`, id).Scan(&generation)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("group %s not found", id)
		}
		return err
	})
	return generation, err
}

// DeleteGroup removes the group, its messages and its group-scoped relationships.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete group", func(tx *sql.Tx) error {
		stmts := []struct {
			query string
			args  []any
		}{
			{`DELETE FROM messages WHERE conversation = ?`, []any{domain.GroupConversation(id)}},
			{`DELETE FROM relationships WHERE scope = ?`, []any{domain.GroupScope(id)}},
			{`DELETE FROM group_members WHERE group_id = ?`, []any{id}},
			{`DELETE FROM chat_groups WHERE id = ?`, []any{id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("delete group: %w", err)
			}
		}
		return nil
	})
}
