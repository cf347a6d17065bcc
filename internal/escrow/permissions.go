package escrow

import "time"

// CanClaim reports whether identity may claim e: the escrow is approved and
// identity is one of its recipients.
func CanClaim(e Escrow, identity Identity, _ time.Time) bool {
	return e.Status == StatusApproved && e.IsRecipient(identity)
}

// CanApprove reports whether identity may approve e: the escrow is pending,
// identity is the sender and the deadline has been reached.
func CanApprove(e Escrow, identity Identity, now time.Time) bool {
	if e.Status != StatusPending || identity == "" || identity != e.Sender {
		return false
	}
	n := now.Unix()
	return n >= 0 && uint64(n) >= e.Deadline
}

// CanRefund reports whether identity may refund e: the escrow is still pending
// or approved and identity is the sender.
func CanRefund(e Escrow, identity Identity, _ time.Time) bool {
	if identity == "" || identity != e.Sender {
		return false
	}
	return e.Status == StatusPending || e.Status == StatusApproved
}

// View is the per-identity projection of an escrow shown to a caller.
type View struct {
	Escrow      Escrow    `json:"escrow"`
	StatusLabel string    `json:"statusLabel"`
	Amount      string    `json:"amount"`
	Deadline    time.Time `json:"deadline"`
	CanClaim    bool      `json:"canClaim"`
	CanApprove  bool      `json:"canApprove"`
	CanRefund   bool      `json:"canRefund"`
}

// NewView derives labels and permissions of e for identity at now.
func NewView(e Escrow, identity Identity, now time.Time) View {
	return View{
		Escrow:      e,
		StatusLabel: e.Status.Label(),
		Amount:      FormatAmount(e.Amount),
		Deadline:    e.DeadlineTime(),
		CanClaim:    CanClaim(e, identity, now),
		CanApprove:  CanApprove(e, identity, now),
		CanRefund:   CanRefund(e, identity, now),
	}
}
