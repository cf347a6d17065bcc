package orchestrator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowctl/internal/contracts"
	"escrowctl/internal/escrow"
	"escrowctl/internal/signer"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultDeadline is how far ahead a create deadline lands when none is given.
const DefaultDeadline = 7 * 24 * time.Hour

var (
	ErrNoSession   = errors.New("no connected identity")
	ErrSignerMatch = errors.New("signer identity does not match session")
)

// Session is the connected identity and the signer acting for it. It is passed
// explicitly into every action.
type Session struct {
	Identity escrow.Identity
	Signer   signer.Signer
}

func (s Session) validate() error {
	if s.Identity == "" || s.Signer == nil {
		return ErrNoSession
	}
	if s.Signer.Identity() != s.Identity {
		return ErrSignerMatch
	}
	return nil
}

// Action is one of the four escrow invocations.
type Action struct {
	Method    string          `json:"method"`
	EscrowID  uint64          `json:"escrowId,omitempty"`
	Recipient escrow.Identity `json:"recipient,omitempty"`
	Amount    *big.Int        `json:"amount,omitempty"`
	Deadline  time.Time       `json:"deadline,omitempty"`
}

// Create funds a new escrow paying recipient 100% of amount (minor units). A
// zero deadline means DefaultDeadline from now.
func Create(recipient escrow.Identity, amount *big.Int, deadline time.Time) Action {
	return Action{Method: contracts.MethodCreate, Recipient: recipient, Amount: amount, Deadline: deadline}
}

func Approve(id uint64) Action { return Action{Method: contracts.MethodApprove, EscrowID: id} }

func Claim(id uint64) Action { return Action{Method: contracts.MethodClaim, EscrowID: id} }

func Refund(id uint64) Action { return Action{Method: contracts.MethodRefund, EscrowID: id} }

// TargetsExisting reports whether the action addresses an escrow that already
// exists.
func (a Action) TargetsExisting() bool {
	return a.Method != contracts.MethodCreate
}

// validate checks the action's own inputs. It needs no ledger access.
func (a Action) validate(asset common.Address) error {
	switch a.Method {
	case contracts.MethodCreate:
		if !common.IsHexAddress(string(a.Recipient)) {
			return fmt.Errorf("invalid recipient %q", a.Recipient)
		}
		if a.Amount == nil || a.Amount.Sign() <= 0 {
			return escrow.ErrAmountNotPos
		}
		if asset == (common.Address{}) {
			return errors.New("escrow asset is not configured")
		}
	case contracts.MethodApprove, contracts.MethodRefund, contracts.MethodClaim:
	default:
		return fmt.Errorf("unsupported action %q", a.Method)
	}
	return nil
}

// args returns the positional contract arguments.
func (a Action) args(caller common.Address, asset common.Address, now time.Time) ([]interface{}, error) {
	if err := a.validate(asset); err != nil {
		return nil, err
	}
	switch a.Method {
	case contracts.MethodCreate:
		deadline := a.Deadline
		if deadline.IsZero() {
			deadline = now.Add(DefaultDeadline)
		}
		recipients := []contracts.RecipientShare{{Account: common.HexToAddress(string(a.Recipient)), Share: 100}}
		return []interface{}{caller, recipients, a.Amount, asset, uint64(deadline.Unix())}, nil
	case contracts.MethodClaim:
		return []interface{}{a.EscrowID, caller}, nil
	default:
		return []interface{}{a.EscrowID}, nil
	}
}

func (a Action) successText() string {
	switch a.Method {
	case contracts.MethodCreate:
		return "Escrow created successfully"
	case contracts.MethodApprove:
		return fmt.Sprintf("Escrow #%d approved successfully", a.EscrowID)
	case contracts.MethodClaim:
		return fmt.Sprintf("Escrow #%d claimed successfully", a.EscrowID)
	case contracts.MethodRefund:
		return fmt.Sprintf("Escrow #%d refunded successfully", a.EscrowID)
	}
	return a.Method + " succeeded"
}
