// Package ledger implements wallets, one-to-one transfers, and red packets.
// Every mutation runs in a single store transaction while holding the
// per-account locks of the wallets it touches.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/shared"
	"github.com/ashureev/companions/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrInsufficientFunds is returned when a debit would overdraw a wallet.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNotFound is returned for unknown transfers or red packets.
	ErrNotFound = errors.New("not found")
	// ErrNotRecipient is returned when someone other than the recipient claims.
	ErrNotRecipient = errors.New("only the recipient may claim this transfer")
	// ErrAlreadySettled is returned when a transfer is no longer in a state
	// that permits the requested action.
	ErrAlreadySettled = errors.New("transfer already settled")
	// ErrNotAllowed is returned when the actor is not a party to the transfer.
	ErrNotAllowed = errors.New("action not allowed")
	// ErrAlreadyClaimed is returned when a claimer already holds a share.
	ErrAlreadyClaimed = errors.New("red packet already claimed by this account")
	// ErrPacketEmpty is returned when no shares remain.
	ErrPacketEmpty = errors.New("red packet is empty")
	// ErrInvalidAmount is returned for non-positive amounts or impossible splits.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Store is the persistence surface the ledger needs.
type Store interface {
	Balance(ctx context.Context, account string) (int64, error)
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	GetRedPacket(ctx context.Context, id string) (*domain.RedPacket, error)
	WithinLedgerTx(ctx context.Context, fn func(tx store.LedgerTx) error) error
}

// Ledger serializes wallet mutations per account.
type Ledger struct {
	store  Store
	locks  *shared.KeyedMutex
	logger *slog.Logger
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Ledger. A nil rng uses a randomly seeded source.
func New(st Store, rng *rand.Rand, logger *slog.Logger) *Ledger {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		locks:  shared.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
		rng:    rng,
	}
}

// Balance returns the wallet balance of account.
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	return l.store.Balance(ctx, account)
}

// Transfer debits sender and creates a pending transfer to recipient.
func (l *Ledger) Transfer(ctx context.Context, sender, recipient string, amount int64, note string) (*domain.Transfer, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if sender == recipient {
		return nil, fmt.Errorf("%w: cannot transfer to self", ErrNotAllowed)
	}

	unlock := l.locks.Lock(sender)
	defer unlock()

	now := l.now()
	t := &domain.Transfer{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Note:      note,
		State:     domain.TransferPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := l.store.WithinLedgerTx(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.AdjustBalance(ctx, sender, -amount); err != nil {
			return mapBalanceErr(err)
		}
		return tx.InsertTransfer(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Transfer created", "transfer_id", t.ID, "sender", sender, "recipient", recipient, "amount", amount)
	return t, nil
}

// Claim credits the recipient of a pending transfer.
func (l *Ledger) Claim(ctx context.Context, transferID, claimer string) (*domain.Transfer, error) {
	return l.settle(ctx, transferID, func(ctx context.Context, tx store.LedgerTx, t *domain.Transfer) error {
		if claimer != t.Recipient {
			return ErrNotRecipient
		}
		if t.State != domain.TransferPending {
			return ErrAlreadySettled
		}
		if err := tx.SetTransferState(ctx, t.ID, domain.TransferPending, domain.TransferClaimed, true); err != nil {
			return mapStateErr(err)
		}
		if _, err := tx.AdjustBalance(ctx, t.Recipient, t.Amount); err != nil {
			return err
		}
		t.State = domain.TransferClaimed
		t.Claimed = true
		return nil
	})
}

// Refund returns a transfer's amount to its sender. The sender may refund
// while the transfer is pending; the recipient may refund at any time, and a
// claimed transfer is reversed by debiting the recipient first.
func (l *Ledger) Refund(ctx context.Context, transferID, actor string) (*domain.Transfer, error) {
	return l.settle(ctx, transferID, func(ctx context.Context, tx store.LedgerTx, t *domain.Transfer) error {
		switch {
		case t.State == domain.TransferRefunded:
			return ErrAlreadySettled
		case actor == t.Recipient:
		case actor == t.Sender:
			if t.State != domain.TransferPending {
				return ErrAlreadySettled
			}
		default:
			return ErrNotAllowed
		}

		from := t.State
		if from == domain.TransferClaimed {
			if _, err := tx.AdjustBalance(ctx, t.Recipient, -t.Amount); err != nil {
				return mapBalanceErr(err)
			}
		}
		if err := tx.SetTransferState(ctx, t.ID, from, domain.TransferRefunded, t.Claimed); err != nil {
			return mapStateErr(err)
		}
		if _, err := tx.AdjustBalance(ctx, t.Sender, t.Amount); err != nil {
			return err
		}
		t.State = domain.TransferRefunded
		return nil
	})
}

// settle loads a transfer, locks both wallets, and runs apply inside one
// transaction against a fresh copy of the transfer.
func (l *Ledger) settle(ctx context.Context, transferID string, apply func(context.Context, store.LedgerTx, *domain.Transfer) error) (*domain.Transfer, error) {
	peek, err := l.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	if peek == nil {
		return nil, ErrNotFound
	}

	unlock := l.locks.Lock("transfer:"+transferID, peek.Sender, peek.Recipient)
	defer unlock()

	var out *domain.Transfer
	err = l.store.WithinLedgerTx(ctx, func(tx store.LedgerTx) error {
		t, err := tx.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if t == nil {
			return ErrNotFound
		}
		if err := apply(ctx, tx, t); err != nil {
			return err
		}
		t.UpdatedAt = l.now()
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Transfer settled", "transfer_id", out.ID, "state", out.State)
	return out, nil
}

// CreateRedPacket debits sender by total and pre-generates count shares.
func (l *Ledger) CreateRedPacket(ctx context.Context, sender, conversation string, total int64, count int, mode domain.RedPacketMode, note string) (*domain.RedPacket, error) {
	var (
		amounts []int64
		err     error
	)
	switch mode {
	case domain.RedPacketFixed:
		amounts, err = SplitFixed(total, count)
	case domain.RedPacketLucky, "":
		mode = domain.RedPacketLucky
		l.rngMu.Lock()
		amounts, err = SplitLucky(total, count, l.rng)
		l.rngMu.Unlock()
	default:
		return nil, fmt.Errorf("%w: unknown red packet mode %q", ErrInvalidAmount, mode)
	}
	if err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(sender)
	defer unlock()

	p := &domain.RedPacket{
		ID:             uuid.NewString(),
		Sender:         sender,
		Conversation:   conversation,
		Total:          total,
		Count:          count,
		Mode:           mode,
		Note:           note,
		Amounts:        amounts,
		RemainingCount: count,
		CreatedAt:      l.now(),
	}
	err = l.store.WithinLedgerTx(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.AdjustBalance(ctx, sender, -total); err != nil {
			return mapBalanceErr(err)
		}
		return tx.InsertRedPacket(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Red packet created", "packet_id", p.ID, "sender", sender, "total", total, "count", count, "mode", mode)
	return p, nil
}

// ClaimRedPacket assigns the next pre-generated share to claimer. The share
// index, the remaining-count decrement, and the credit commit together.
func (l *Ledger) ClaimRedPacket(ctx context.Context, packetID, claimer string) (domain.RedPacketClaim, error) {
	unlock := l.locks.Lock("packet:"+packetID, claimer)
	defer unlock()

	var claim domain.RedPacketClaim
	err := l.store.WithinLedgerTx(ctx, func(tx store.LedgerTx) error {
		p, err := tx.GetRedPacket(ctx, packetID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrNotFound
		}
		if p.ClaimedBy(claimer) {
			return ErrAlreadyClaimed
		}
		if p.RemainingCount <= 0 {
			return ErrPacketEmpty
		}

		claim = domain.RedPacketClaim{
			Claimer:   claimer,
			Amount:    p.Amounts[p.Count-p.RemainingCount],
			ClaimedAt: l.now(),
		}
		if err := tx.AppendRedPacketClaim(ctx, p.ID, claim, p.RemainingCount); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrPacketEmpty
			}
			return err
		}
		_, err = tx.AdjustBalance(ctx, claimer, claim.Amount)
		return err
	})
	if err != nil {
		return domain.RedPacketClaim{}, err
	}

	l.logger.Info("Red packet claimed", "packet_id", packetID, "claimer", claimer, "amount", claim.Amount)
	return claim, nil
}

func mapBalanceErr(err error) error {
	if errors.Is(err, store.ErrNegativeBalance) {
		return ErrInsufficientFunds
	}
	return err
}

func mapStateErr(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadySettled
	}
	return err
}
