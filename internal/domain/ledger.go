package domain

import "time"

// TransferState is the lifecycle state of a Transfer.
type TransferState string

const (
	TransferPending  TransferState = "pending"
	TransferClaimed  TransferState = "claimed"
	TransferRefunded TransferState = "refunded"
)

// Transfer is a one-to-one payment awaiting claim or refund.
// Amount is in minor units.
type Transfer struct {
	ID        string        `json:"id"`
	Sender    string        `json:"sender"`
	Recipient string        `json:"recipient"`
	Amount    int64         `json:"amount"`
	Note      string        `json:"note"`
	State     TransferState `json:"state"`
	// Claimed records whether the transfer was claimed before a refund.
	Claimed   bool      `json:"claimed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedPacketMode selects how a red packet total is split.
type RedPacketMode string

const (
	RedPacketLucky RedPacketMode = "lucky"
	RedPacketFixed RedPacketMode = "fixed"
)

// RedPacketClaim records one claimer's share.
type RedPacketClaim struct {
	Claimer   string    `json:"claimer"`
	Amount    int64     `json:"amount"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// RedPacket is a payment split into Count pre-generated shares.
// The Nth claimer always receives Amounts[N-1].
type RedPacket struct {
	ID             string           `json:"id"`
	Sender         string           `json:"sender"`
	Conversation   string           `json:"conversation"`
	Total          int64            `json:"total"`
	Count          int              `json:"count"`
	Mode           RedPacketMode    `json:"mode"`
	Note           string           `json:"note"`
	Amounts        []int64          `json:"-"`
	RemainingCount int              `json:"remaining_count"`
	Claims         []RedPacketClaim `json:"claims"`
	CreatedAt      time.Time        `json:"created_at"`
}

// ClaimedBy reports whether claimer already holds a share.
func (p *RedPacket) ClaimedBy(claimer string) bool {
	for _, c := range p.Claims {
		if c.Claimer == claimer {
			return true
		}
	}
	return false
}
