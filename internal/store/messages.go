package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/ashureev/companions/internal/domain"
)

const defaultMessageLimit = 50

// AppendMessages persists msgs, forcing timestamps to be strictly increasing
// within each conversation even when the wall clock collides.
func (s *SQLiteStore) AppendMessages(ctx context.Context, guard MessageGuard, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withTx(ctx, "append messages", func(tx *sql.Tx) error {
		if err := checkGuard(ctx, tx, guard); err != nil {
			return err
		}

		last := make(map[string]int64)
		for _, m := range msgs {
			prev, ok := last[m.Conversation]
			if !ok {
				var maxTS sql.NullInt64
				err := tx.QueryRowContext(ctx,
					`SELECT MAX(created_at) FROM messages WHERE conversation = ?`, m.Conversation,
				).Scan(&maxTS)
				if err != nil {
					return fmt.Errorf("read last message time: %w", err)
				}
				prev = maxTS.Int64
			}

			ts := toMicros(m.CreatedAt)
			if ts <= prev {
				ts = prev + 1
			}
			last[m.Conversation] = ts

			result, err := tx.ExecContext(ctx, `
				INSERT INTO messages (conversation, sender_id, role, content, hidden, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				m.Conversation, m.SenderID, string(m.Role), m.Content, m.Hidden, ts,
			)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			id, err := result.LastInsertId()
			if err != nil {
				return fmt.Errorf("message id: %w", err)
			}
			m.ID = id
			m.CreatedAt = fromMicros(ts)
		}
		return nil
	})
}

func checkGuard(ctx context.Context, tx *sql.Tx, guard MessageGuard) error {
	var table, id string
	switch {
	case guard.AgentID != "":
		table, id = "agents", guard.AgentID
	case guard.GroupID != "":
		table, id = "chat_groups", guard.GroupID
	default:
		return nil
	}

	var generation int64
	err := tx.QueryRowContext(ctx, `SELECT generation FROM `+table+` WHERE id = ?`, id).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStale
	}
	if err != nil {
		return fmt.Errorf("read generation: %w", err)
	}
	if generation != guard.Generation {
		return ErrStale
	}
	return nil
}

// ListMessages reads one page of a conversation, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversation string, opts ListOptions) ([]*domain.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	query := `SELECT id, conversation, sender_id, role, content, hidden, created_at
		FROM messages WHERE conversation = ?`
	args := []any{conversation}
	if !opts.IncludeHidden {
		query += ` AND hidden = 0`
	}
	if opts.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, opts.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var msgs []*domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Conversation, &m.SenderID, &role, &m.Content, &m.Hidden, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.CreatedAt = fromMicros(createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}
