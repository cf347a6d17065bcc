package escrow

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"escrowctl/internal/contracts"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	senderAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipientAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	otherAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	assetAddr     = common.HexToAddress("0x00000000000000000000000000000000000000c4")
)

func sampleRecord() contracts.EscrowRecord {
	return contracts.EscrowRecord{
		Sender:     senderAddr,
		Recipients: []contracts.RecipientShare{{Account: recipientAddr, Share: 100}},
		Amount:     big.NewInt(123400000),
		Token:      assetAddr,
		CreatedAt:  1_700_000_000,
		Deadline:   1_700_604_800,
		Status:     uint32(StatusPending),
	}
}

func TestDecodeValidRecord(t *testing.T) {
	binding, err := contracts.NewBinding()
	require.NoError(t, err)
	raw, err := binding.EncodeResult(contracts.MethodGetEscrow, sampleRecord())
	require.NoError(t, err)

	e, err := Decode(42, raw)
	require.NoError(t, err)
	require.Equal(t, uint64(42), e.ID)
	require.Equal(t, IdentityOf(senderAddr), e.Sender)
	require.Equal(t, []Recipient{{Address: IdentityOf(recipientAddr), Share: 100}}, e.Recipients)
	require.Equal(t, "12.34", FormatAmount(e.Amount))
	require.Equal(t, StatusPending, e.Status)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode(1, []byte{0x01, 0x02})
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
}

func TestFromRecordRejectsInvalidFields(t *testing.T) {
	cases := map[string]func(*contracts.EscrowRecord){
		"missing sender": func(r *contracts.EscrowRecord) { r.Sender = common.Address{} },
		"no recipients":  func(r *contracts.EscrowRecord) { r.Recipients = nil },
		"zero amount":    func(r *contracts.EscrowRecord) { r.Amount = big.NewInt(0) },
		"nil amount":     func(r *contracts.EscrowRecord) { r.Amount = nil },
		"missing asset":  func(r *contracts.EscrowRecord) { r.Token = common.Address{} },
		"shares != 100": func(r *contracts.EscrowRecord) {
			r.Recipients = []contracts.RecipientShare{{Account: recipientAddr, Share: 60}, {Account: otherAddr, Share: 30}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord()
			mutate(&rec)
			_, err := FromRecord(1, rec)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestStatusLabel(t *testing.T) {
	require.Equal(t, "Pending", StatusPending.Label())
	require.Equal(t, "Approved", StatusApproved.Label())
	require.Equal(t, "Completed", StatusCompleted.Label())
	require.Equal(t, "Refunded", StatusRefunded.Label())
	require.Equal(t, UnknownLabel, Status(4).Label())
	require.Equal(t, UnknownLabel, Status(1<<31).Label())
}

func TestClaimability(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	recipient := IdentityOf(recipientAddr)
	for _, status := range []Status{StatusPending, StatusApproved, StatusCompleted, StatusRefunded, Status(9)} {
		e := Escrow{Sender: IdentityOf(senderAddr), Recipients: []Recipient{{Address: recipient, Share: 100}}, Status: status}
		require.Equal(t, status == StatusApproved, CanClaim(e, recipient, now), status.Label())
		require.False(t, CanClaim(e, IdentityOf(otherAddr), now))
		require.False(t, CanClaim(e, IdentityOf(senderAddr), now))
	}
}

func TestClaimabilityIsExactMatch(t *testing.T) {
	recipient := IdentityOf(recipientAddr)
	e := Escrow{Recipients: []Recipient{{Address: recipient, Share: 100}}, Status: StatusApproved}
	body := strings.TrimPrefix(string(recipient), "0x")
	for _, variant := range []Identity{
		Identity("0x" + strings.ToLower(body)),
		Identity("0x" + strings.ToUpper(body)),
		recipient + " ",
	} {
		if variant == recipient {
			continue
		}
		require.False(t, CanClaim(e, variant, time.Now()), string(variant))
	}
}

func TestApprovability(t *testing.T) {
	sender := IdentityOf(senderAddr)
	deadline := time.Unix(1_700_000_000, 0)
	e := Escrow{Sender: sender, Deadline: uint64(deadline.Unix()), Status: StatusPending}

	require.False(t, CanApprove(e, sender, deadline.Add(-time.Second)), "before deadline")
	require.True(t, CanApprove(e, sender, deadline), "at deadline")
	require.True(t, CanApprove(e, sender, deadline.Add(time.Hour)))
	require.False(t, CanApprove(e, IdentityOf(otherAddr), deadline.Add(time.Hour)))
	require.False(t, CanApprove(e, "", deadline.Add(time.Hour)))

	e.Status = StatusApproved
	require.False(t, CanApprove(e, sender, deadline.Add(time.Hour)))
}

func TestApprovabilityFarFutureDeadline(t *testing.T) {
	sender := IdentityOf(senderAddr)
	now := time.Unix(1_700_000_000, 0)
	for _, deadline := range []uint64{1<<63 + 5, math.MaxUint64, uint64(math.MaxInt64)} {
		e := Escrow{Sender: sender, Deadline: deadline, Status: StatusPending}
		require.False(t, CanApprove(e, sender, now), "deadline %d", deadline)
	}

	e := Escrow{Sender: sender, Deadline: 0, Status: StatusPending}
	require.True(t, CanApprove(e, sender, now))
	require.False(t, CanApprove(Escrow{Sender: sender, Deadline: 1, Status: StatusPending}, sender, time.Unix(-5, 0)))
}

func TestDeadlineTimeClampsUnrepresentableValues(t *testing.T) {
	require.Equal(t, time.Unix(1_700_604_800, 0).UTC(), Escrow{Deadline: 1_700_604_800}.DeadlineTime())

	far := Escrow{Deadline: 1<<63 + 5}.DeadlineTime()
	require.Equal(t, 9999, far.Year())

	view := NewView(Escrow{Sender: IdentityOf(senderAddr), Amount: big.NewInt(1), Deadline: math.MaxUint64}, IdentityOf(senderAddr), time.Now())
	_, err := json.Marshal(view)
	require.NoError(t, err)
}

func TestRefundability(t *testing.T) {
	sender := IdentityOf(senderAddr)
	now := time.Now()
	for status, want := range map[Status]bool{
		StatusPending:   true,
		StatusApproved:  true,
		StatusCompleted: false,
		StatusRefunded:  false,
	} {
		e := Escrow{Sender: sender, Status: status}
		require.Equal(t, want, CanRefund(e, sender, now), status.Label())
		require.False(t, CanRefund(e, IdentityOf(recipientAddr), now))
	}
}

func TestApproveThenClaimScenario(t *testing.T) {
	now := time.Now()
	sender := IdentityOf(senderAddr)
	recipient := IdentityOf(recipientAddr)
	e := Escrow{
		Sender:     sender,
		Recipients: []Recipient{{Address: recipient, Share: 100}},
		Amount:     big.NewInt(1),
		Deadline:   uint64(now.Unix() - 100),
		Status:     StatusPending,
	}
	view := NewView(e, sender, now)
	require.True(t, view.CanApprove)
	require.True(t, view.CanRefund)
	require.False(t, view.CanClaim)

	approved := e
	approved.Status = StatusApproved
	require.True(t, NewView(approved, recipient, now).CanClaim)
	require.False(t, NewView(approved, sender, now).CanClaim)
	require.False(t, NewView(approved, IdentityOf(otherAddr), now).CanClaim)
}

func TestAmountRoundTrip(t *testing.T) {
	minor, err := ParseAmount("12.34")
	require.NoError(t, err)
	require.Equal(t, "123400000", minor.String())
	require.Equal(t, "12.34", FormatAmount(minor))
}

func TestParseAmount(t *testing.T) {
	minor, err := ParseAmount(" 0.00000019 ")
	require.NoError(t, err)
	require.Equal(t, "1", minor.String())

	_, err = ParseAmount("")
	require.ErrorIs(t, err, ErrAmountRequired)
	_, err = ParseAmount("0")
	require.ErrorIs(t, err, ErrAmountNotPos)
	_, err = ParseAmount("-3")
	require.ErrorIs(t, err, ErrAmountNotPos)
	_, err = ParseAmount("abc")
	require.Error(t, err)
	_, err = ParseAmount("1e40")
	require.ErrorIs(t, err, ErrAmountTooLarge)
}
