package escrow

import (
	"math/big"
	"time"

	"escrowctl/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is an account's public address in its canonical string form.
// Two identities are equal only if the strings match exactly.
type Identity string

// IdentityOf returns the canonical identity of an address.
func IdentityOf(addr common.Address) Identity {
	return Identity(addr.Hex())
}

func (i Identity) String() string { return string(i) }

// Status is the on-chain lifecycle code of an escrow.
type Status uint32

const (
	StatusPending Status = iota
	StatusApproved
	StatusCompleted
	StatusRefunded
)

// UnknownLabel is shown for status codes the client does not recognise.
const UnknownLabel = "Unknown"

var statusLabels = [...]string{"Pending", "Approved", "Completed", "Refunded"}

// Label returns the display label for s. It never fails.
func (s Status) Label() string {
	if int(s) < len(statusLabels) {
		return statusLabels[s]
	}
	return UnknownLabel
}

func (s Status) String() string { return s.Label() }

// Recipient is one (address, percentage share) entry of an escrow.
type Recipient struct {
	Address Identity `json:"address"`
	Share   uint32   `json:"share"`
}

// Escrow is a decoded, validated snapshot of one contract record. Snapshots are
// replaced as a whole on refresh and never mutated in place.
type Escrow struct {
	ID         uint64      `json:"id"`
	Sender     Identity    `json:"sender"`
	Recipients []Recipient `json:"recipients"`
	Amount     *big.Int    `json:"amount"`
	Asset      Identity    `json:"asset"`
	CreatedAt  uint64      `json:"createdAt"`
	Deadline   uint64      `json:"deadline"`
	Approved   bool        `json:"approved"`
	Status     Status      `json:"status"`
}

// maxDeadline is the latest deadline DeadlineTime reports. Later contract
// values are clamped to it.
var maxDeadline = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// DeadlineTime returns the deadline as wall-clock time.
func (e Escrow) DeadlineTime() time.Time {
	if e.Deadline > uint64(maxDeadline.Unix()) {
		return maxDeadline
	}
	return time.Unix(int64(e.Deadline), 0).UTC()
}

// IsRecipient reports whether identity is listed among the recipients.
func (e Escrow) IsRecipient(identity Identity) bool {
	if identity == "" {
		return false
	}
	for _, r := range e.Recipients {
		if r.Address == identity {
			return true
		}
	}
	return false
}

// Decode parses the raw get_escrow return data for id into a validated Escrow.
func Decode(id uint64, raw []byte) (Escrow, error) {
	binding, err := contracts.NewBinding()
	if err != nil {
		return Escrow{}, &DecodeError{What: "escrow", Err: err}
	}
	record, err := binding.UnpackEscrow(raw)
	if err != nil {
		return Escrow{}, &DecodeError{What: "escrow", Err: err}
	}
	return FromRecord(id, record)
}

// FromRecord validates an ABI record and converts it to an Escrow.
func FromRecord(id uint64, rec contracts.EscrowRecord) (Escrow, error) {
	if rec.Sender == (common.Address{}) {
		return Escrow{}, &DecodeError{What: "escrow", Reason: "missing sender"}
	}
	if len(rec.Recipients) == 0 {
		return Escrow{}, &DecodeError{What: "escrow", Reason: "no recipients"}
	}
	if rec.Token == (common.Address{}) {
		return Escrow{}, &DecodeError{What: "escrow", Reason: "missing asset"}
	}
	if rec.Amount == nil || rec.Amount.Sign() <= 0 {
		return Escrow{}, &DecodeError{What: "escrow", Reason: "amount must be positive"}
	}

	recipients := make([]Recipient, 0, len(rec.Recipients))
	var total uint64
	for _, r := range rec.Recipients {
		if r.Account == (common.Address{}) {
			return Escrow{}, &DecodeError{What: "escrow", Reason: "recipient without address"}
		}
		total += uint64(r.Share)
		recipients = append(recipients, Recipient{Address: IdentityOf(r.Account), Share: r.Share})
	}
	if total != 100 {
		return Escrow{}, &DecodeError{What: "escrow", Reason: "recipient shares do not sum to 100"}
	}

	return Escrow{
		ID:         id,
		Sender:     IdentityOf(rec.Sender),
		Recipients: recipients,
		Amount:     new(big.Int).Set(rec.Amount),
		Asset:      IdentityOf(rec.Token),
		CreatedAt:  rec.CreatedAt,
		Deadline:   rec.Deadline,
		Approved:   rec.Approved,
		Status:     Status(rec.Status),
	}, nil
}
