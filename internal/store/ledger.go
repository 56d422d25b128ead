package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/companions/internal/domain"
)

// sqlLedgerTx implements LedgerTx on top of one *sql.Tx.
type sqlLedgerTx struct {
	tx *sql.Tx
}

// WithinLedgerTx runs fn inside one immediate write transaction.
func (s *SQLiteStore) WithinLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	return s.withTx(ctx, "ledger", func(tx *sql.Tx) error {
		return fn(&sqlLedgerTx{tx: tx})
	})
}

func balance(ctx context.Context, q queryer, account string) (int64, error) {
	var b int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE account = ?`, account).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return b, nil
}

func setBalance(ctx context.Context, q queryer, account string, b int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallets (account, balance, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		account, b, toMicros(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

// Balance returns the wallet balance of an account.
func (s *SQLiteStore) Balance(ctx context.Context, account string) (int64, error) {
	return balance(ctx, s.db, account)
}

// SetBalance overwrites an account balance.
func (s *SQLiteStore) SetBalance(ctx context.Context, account string, b int64) error {
	if b < 0 {
		return ErrNegativeBalance
	}
	return setBalance(ctx, s.db, account, b)
}

func (t *sqlLedgerTx) Balance(ctx context.Context, account string) (int64, error) {
	return balance(ctx, t.tx, account)
}

func (t *sqlLedgerTx) AdjustBalance(ctx context.Context, account string, delta int64) (int64, error) {
	current, err := balance(ctx, t.tx, account)
	if err != nil {
		return 0, err
	}
	next := current + delta
	if next < 0 {
		return current, ErrNegativeBalance
	}
	if err := setBalance(ctx, t.tx, account, next); err != nil {
		return 0, err
	}
	return next, nil
}

const transferColumns = `id, sender, recipient, amount, note, state, claimed, created_at, updated_at`

func getTransfer(ctx context.Context, q queryer, id string) (*domain.Transfer, error) {
	var tr domain.Transfer
	var state string
	var createdAt, updatedAt int64
	err := q.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id).Scan(
		&tr.ID, &tr.Sender, &tr.Recipient, &tr.Amount, &tr.Note, &state, &tr.Claimed, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transfer row: %w", err)
	}
	tr.State = domain.TransferState(state)
	tr.CreatedAt = fromMicros(createdAt)
	tr.UpdatedAt = fromMicros(updatedAt)
	return &tr, nil
}

// GetTransfer retrieves a transfer.
func (s *SQLiteStore) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return getTransfer(ctx, s.db, id)
}

func (t *sqlLedgerTx) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return getTransfer(ctx, t.tx, id)
}

func (t *sqlLedgerTx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	now := time.Now()
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}
	tr.UpdatedAt = now
	_, err := t.tx.ExecContext(ctx, `INSERT INTO transfers (`+transferColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.Sender, tr.Recipient, tr.Amount, tr.Note, string(tr.State), tr.Claimed,
		toMicros(tr.CreatedAt), toMicros(tr.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

func (t *sqlLedgerTx) SetTransferState(ctx context.Context, id string, from, to domain.TransferState, claimed bool) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE transfers SET state = ?, claimed = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), claimed, toMicros(time.Now()), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update transfer state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func getRedPacket(ctx context.Context, q queryer, id string) (*domain.RedPacket, error) {
	var p domain.RedPacket
	var mode, amountsJSON string
	var createdAt int64
	err := q.QueryRowContext(ctx, `
		SELECT id, sender, conversation, total, count, mode, note, amounts_json, remaining_count, created_at
		FROM red_packets WHERE id = ?`, id,
	).Scan(&p.ID, &p.Sender, &p.Conversation, &p.Total, &p.Count, &mode, &p.Note, &amountsJSON, &p.RemainingCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan red packet row: %w", err)
	}
	p.Mode = domain.RedPacketMode(mode)
	p.CreatedAt = fromMicros(createdAt)
	if err := json.Unmarshal([]byte(amountsJSON), &p.Amounts); err != nil {
		return nil, fmt.Errorf("decode red packet amounts: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT claimer, amount, claimed_at FROM red_packet_claims WHERE packet_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query red packet claims: %w", err)
	}
	defer closeRows(rows, "red packet claims")
	for rows.Next() {
		var c domain.RedPacketClaim
		var claimedAt int64
		if err := rows.Scan(&c.Claimer, &c.Amount, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan red packet claim: %w", err)
		}
		c.ClaimedAt = fromMicros(claimedAt)
		p.Claims = append(p.Claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate red packet claims: %w", err)
	}
	return &p, nil
}

// GetRedPacket retrieves a red packet with its claims.
func (s *SQLiteStore) GetRedPacket(ctx context.Context, id string) (*domain.RedPacket, error) {
	return getRedPacket(ctx, s.db, id)
}

func (t *sqlLedgerTx) GetRedPacket(ctx context.Context, id string) (*domain.RedPacket, error) {
	return getRedPacket(ctx, t.tx, id)
}

func (t *sqlLedgerTx) InsertRedPacket(ctx context.Context, p *domain.RedPacket) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	amounts, err := json.Marshal(p.Amounts)
	if err != nil {
		return fmt.Errorf("encode red packet amounts: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO red_packets (id, sender, conversation, total, count, mode, note, amounts_json, remaining_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Sender, p.Conversation, p.Total, p.Count, string(p.Mode), p.Note, string(amounts), p.RemainingCount,
		toMicros(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert red packet: %w", err)
	}
	return nil
}

func (t *sqlLedgerTx) AppendRedPacketClaim(ctx context.Context, packetID string, claim domain.RedPacketClaim, expectedRemaining int) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE red_packets SET remaining_count = remaining_count - 1 WHERE id = ? AND remaining_count = ? AND remaining_count > 0`,
		packetID, expectedRemaining,
	)
	if err != nil {
		return fmt.Errorf("decrement red packet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	var count int
	if err := t.tx.QueryRowContext(ctx, `SELECT count FROM red_packets WHERE id = ?`, packetID).Scan(&count); err != nil {
		return fmt.Errorf("read red packet count: %w", err)
	}
	seq := count - expectedRemaining
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO red_packet_claims (packet_id, claimer, seq, amount, claimed_at) VALUES (?, ?, ?, ?, ?)`,
		packetID, claim.Claimer, seq, claim.Amount, toMicros(claim.ClaimedAt),
	); err != nil {
		return fmt.Errorf("insert red packet claim: %w", err)
	}
	return nil
}
