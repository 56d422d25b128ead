package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/companions/internal/domain"
)

// CreateMoment appends a social-feed post.
func (s *SQLiteStore) CreateMoment(ctx context.Context, moment *domain.Moment) error {
	if moment.CreatedAt.IsZero() {
		moment.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moments (id, author_id, content, created_at) VALUES (?, ?, ?, ?)`,
		moment.ID, moment.AuthorID, moment.Content, toMicros(moment.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert moment: %w", err)
	}
	return nil
}

// GetMoment retrieves a post with likes and comments.
func (s *SQLiteStore) GetMoment(ctx context.Context, id string) (*domain.Moment, error) {
	var m domain.Moment
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, author_id, content, created_at FROM moments WHERE id = ?`, id,
	).Scan(&m.ID, &m.AuthorID, &m.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan moment row: %w", err)
	}
	m.CreatedAt = fromMicros(createdAt)
	if err := s.loadMomentDetails(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMoments returns the most recent posts, newest first.
func (s *SQLiteStore) ListMoments(ctx context.Context, limit int) ([]*domain.Moment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author_id, content, created_at FROM moments ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query moments: %w", err)
	}

	var moments []*domain.Moment
	for rows.Next() {
		var m domain.Moment
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Content, &createdAt); err != nil {
			closeRows(rows, "moments")
			return nil, fmt.Errorf("scan moment row: %w", err)
		}
		m.CreatedAt = fromMicros(createdAt)
		moments = append(moments, &m)
	}
	err = rows.Err()
	closeRows(rows, "moments")
	if err != nil {
		return nil, fmt.Errorf("iterate moments: %w", err)
	}

	for _, m := range moments {
		if err := s.loadMomentDetails(ctx, m); err != nil {
			return nil, err
		}
	}
	return moments, nil
}

func (s *SQLiteStore) loadMomentDetails(ctx context.Context, m *domain.Moment) error {
	likes, err := s.db.QueryContext(ctx,
		`SELECT liker_id FROM moment_likes WHERE moment_id = ? ORDER BY created_at`, m.ID)
	if err != nil {
		return fmt.Errorf("query moment likes: %w", err)
	}
	for likes.Next() {
		var liker string
		if err := likes.Scan(&liker); err != nil {
			closeRows(likes, "moment likes")
			return fmt.Errorf("scan moment like: %w", err)
		}
		m.Likes = append(m.Likes, liker)
	}
	err = likes.Err()
	closeRows(likes, "moment likes")
	if err != nil {
		return fmt.Errorf("iterate moment likes: %w", err)
	}

	comments, err := s.db.QueryContext(ctx,
		`SELECT id, moment_id, author_id, content, created_at FROM moment_comments
		 WHERE moment_id = ? ORDER BY created_at`, m.ID)
	if err != nil {
		return fmt.Errorf("query moment comments: %w", err)
	}
	defer closeRows(comments, "moment comments")
	for comments.Next() {
		var c domain.MomentComment
		var createdAt int64
		if err := comments.Scan(&c.ID, &c.MomentID, &c.AuthorID, &c.Content, &createdAt); err != nil {
			return fmt.Errorf("scan moment comment: %w", err)
		}
		c.CreatedAt = fromMicros(createdAt)
		m.Comments = append(m.Comments, c)
	}
	if err := comments.Err(); err != nil {
		return fmt.Errorf("iterate moment comments: %w", err)
	}
	return nil
}

// ToggleMomentLike flips likerID's like on a post.
func (s *SQLiteStore) ToggleMomentLike(ctx context.Context, momentID, likerID string) (bool, error) {
	liked := false
	err := s.withTx(ctx, "toggle moment like", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM moment_likes WHERE moment_id = ? AND liker_id = ?`, momentID, likerID)
		if err != nil {
			return fmt.Errorf("delete moment like: %w", err)
		}
		removed, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if removed > 0 {
			liked = false
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO moment_likes (moment_id, liker_id, created_at) VALUES (?, ?, ?)`,
			momentID, likerID, toMicros(time.Now()),
		); err != nil {
			return fmt.Errorf("insert moment like: %w", err)
		}
		liked = true
		return nil
	})
	return liked, err
}

// AddMomentComment appends a comment to a post.
func (s *SQLiteStore) AddMomentComment(ctx context.Context, comment *domain.MomentComment) error {
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moment_comments (id, moment_id, author_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		comment.ID, comment.MomentID, comment.AuthorID, comment.Content, toMicros(comment.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert moment comment: %w", err)
	}
	return nil
}

// AppendDiary appends a private diary entry.
func (s *SQLiteStore) AppendDiary(ctx context.Context, entry *domain.DiaryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diary_entries (id, agent_id, content, created_at) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.Content, toMicros(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert diary entry: %w", err)
	}
	return nil
}

// ListDiary returns an agent's diary, newest first.
func (s *SQLiteStore) ListDiary(ctx context.Context, agentID string, limit int) ([]*domain.DiaryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, content, created_at FROM diary_entries
		 WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query diary: %w", err)
	}
	defer closeRows(rows, "diary")

	var entries []*domain.DiaryEntry
	for rows.Next() {
		var e domain.DiaryEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan diary row: %w", err)
		}
		e.CreatedAt = fromMicros(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diary: %w", err)
	}
	return entries, nil
}

func scanRelationship(row rowScanner) (*domain.Relationship, error) {
	var r domain.Relationship
	var updatedAt int64
	if err := row.Scan(&r.SourceID, &r.TargetID, &r.Scope, &r.Affinity, &r.Impression, &updatedAt); err != nil {
		return nil, err
	}
	r.UpdatedAt = fromMicros(updatedAt)
	return &r, nil
}

func getRelationship(ctx context.Context, q queryer, sourceID, targetID, scope string) (*domain.Relationship, error) {
	r, err := scanRelationship(q.QueryRowContext(ctx,
		`SELECT source_id, target_id, scope, affinity, impression, updated_at
		 FROM relationships WHERE source_id = ? AND target_id = ? AND scope = ?`,
		sourceID, targetID, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan relationship row: %w", err)
	}
	return r, nil
}

// GetRelationship retrieves one scoped relationship.
func (s *SQLiteStore) GetRelationship(ctx context.Context, sourceID, targetID, scope string) (*domain.Relationship, error) {
	return getRelationship(ctx, s.db, sourceID, targetID, scope)
}

// ListRelationships returns source's relationships across scopes.
func (s *SQLiteStore) ListRelationships(ctx context.Context, sourceID, targetID string) ([]domain.Relationship, error) {
	query := `SELECT source_id, target_id, scope, affinity, impression, updated_at
		FROM relationships WHERE source_id = ?`
	args := []any{sourceID}
	if targetID != "" {
		query += ` AND target_id = ?`
		args = append(args, targetID)
	}
	query += ` ORDER BY target_id, scope`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	defer closeRows(rows, "relationships")

	var rels []domain.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship row: %w", err)
		}
		rels = append(rels, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return rels, nil
}

// UpsertRelationship creates or replaces a scoped relationship.
func (s *SQLiteStore) UpsertRelationship(ctx context.Context, rel *domain.Relationship) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (source_id, target_id, scope, affinity, impression, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, scope) DO UPDATE SET
			affinity = excluded.affinity,
			impression = excluded.impression,
			updated_at = excluded.updated_at`,
		rel.SourceID, rel.TargetID, rel.Scope, rel.Affinity, rel.Impression, toMicros(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// AdjustRelationship adds delta to a scoped relationship, creating it if needed.
func (s *SQLiteStore) AdjustRelationship(ctx context.Context, sourceID, targetID, scope string, delta int) (*domain.Relationship, error) {
	var out *domain.Relationship
	err := s.withTx(ctx, "adjust relationship", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (source_id, target_id, scope, affinity, impression, updated_at)
			VALUES (?, ?, ?, ?, '', ?)
			ON CONFLICT(source_id, target_id, scope) DO UPDATE SET
				affinity = relationships.affinity + excluded.affinity,
				updated_at = excluded.updated_at`,
			sourceID, targetID, scope, delta, toMicros(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("adjust relationship: %w", err)
		}
		out, err = getRelationship(ctx, tx, sourceID, targetID, scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
