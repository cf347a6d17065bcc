package contracts

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestUnpackEscrowRecord(t *testing.T) {
	b, err := NewBinding()
	require.NoError(t, err)

	record := EscrowRecord{
		Sender: common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Recipients: []RecipientShare{
			{Account: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Share: 60},
			{Account: common.HexToAddress("0x00000000000000000000000000000000000000b3"), Share: 40},
		},
		Amount:    big.NewInt(123400000),
		Token:     common.HexToAddress("0x00000000000000000000000000000000000000c4"),
		CreatedAt: 1_700_000_000,
		Deadline:  1_700_604_800,
		Status:    1,
		Approved:  true,
	}
	data, err := b.EncodeResult(MethodGetEscrow, record)
	require.NoError(t, err)

	got, err := b.UnpackEscrow(data)
	require.NoError(t, err)
	require.Equal(t, record.Sender, got.Sender)
	require.Len(t, got.Recipients, 2)
	require.Equal(t, uint32(40), got.Recipients[1].Share)
	require.Equal(t, 0, record.Amount.Cmp(got.Amount))
	require.Equal(t, uint32(1), got.Status)
	require.True(t, got.Approved)
}

func TestUnpackEscrowRejectsEmptyData(t *testing.T) {
	b, err := NewBinding()
	require.NoError(t, err)

	_, err = b.UnpackEscrow(nil)
	require.Error(t, err)
}

func TestCreateCallCarriesPositionalArgs(t *testing.T) {
	b, err := NewBinding()
	require.NoError(t, err)

	sender := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	recipients := []RecipientShare{{Account: common.HexToAddress("0x00000000000000000000000000000000000000b2"), Share: 100}}
	data, err := b.Pack(MethodCreate, sender, recipients, big.NewInt(5), common.HexToAddress("0xc4"), uint64(99))
	require.NoError(t, err)

	method := b.ABI().Methods[MethodCreate]
	require.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 5)
	require.Equal(t, sender, args[0])
	require.Equal(t, uint64(99), args[4])
}

func TestParseEvent(t *testing.T) {
	b, err := NewBinding()
	require.NoError(t, err)

	ev := b.ABI().Events["Approved"]
	sender := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	data, err := ev.Inputs.NonIndexed().Pack(sender)
	require.NoError(t, err)

	parsed, err := b.ParseEvent(types.Log{
		Topics: []common.Hash{ev.ID, common.BigToHash(big.NewInt(7))},
		Data:   data,
	})
	require.NoError(t, err)
	require.Equal(t, "Approved", parsed.Name)
	require.Equal(t, uint64(7), parsed.EscrowID)
	require.Equal(t, sender, parsed.Fields["sender"])
}
