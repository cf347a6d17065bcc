package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"escrowctl/internal/contracts"
	"escrowctl/internal/escrow"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	userAddr     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type nodeError struct {
	msg  string
	data interface{}
}

func (e nodeError) Error() string          { return e.msg }
func (e nodeError) ErrorCode() int         { return 3 }
func (e nodeError) ErrorData() interface{} { return e.data }

type stubBackend struct {
	nonce      uint64
	nonceErr   error
	callOut    []byte
	callErr    error
	gas        uint64
	gasErr     error
	sendErr    error
	sent       []*types.Transaction
	receipts   []*types.Receipt
	receiptErr error
	receiptN   int
	lastCall   ethereum.CallMsg
}

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return s.nonce, s.nonceErr
}

func (s *stubBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.lastCall = msg
	return s.callOut, s.callErr
}

func (s *stubBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return s.gas, s.gasErr
}

func (s *stubBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (s *stubBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10)}, nil
}

func (s *stubBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	s.sent = append(s.sent, tx)
	return s.sendErr
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	idx := s.receiptN
	s.receiptN++
	if s.receiptErr != nil {
		return nil, s.receiptErr
	}
	if idx < len(s.receipts) && s.receipts[idx] != nil {
		return s.receipts[idx], nil
	}
	return nil, ethereum.NotFound
}

func newTestClient(t *testing.T, backend Backend) *Client {
	t.Helper()
	c, err := NewClient(backend, contractAddr, big.NewInt(31337), nil)
	require.NoError(t, err)
	return c
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	require.NoError(t, err)
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	return hexutil.Encode(append(selector, packed...))
}

func TestGetAccount(t *testing.T) {
	c := newTestClient(t, &stubBackend{nonce: 7})
	acct, err := c.GetAccount(context.Background(), escrow.IdentityOf(userAddr))
	require.NoError(t, err)
	require.Equal(t, uint64(7), acct.Nonce)
	require.Equal(t, userAddr, acct.Address)

	_, err = c.GetAccount(context.Background(), "not-an-address")
	require.Error(t, err)
}

func TestGetAccountNetworkError(t *testing.T) {
	c := newTestClient(t, &stubBackend{nonceErr: errors.New("dial tcp: connection refused")})
	_, err := c.GetAccount(context.Background(), escrow.IdentityOf(userAddr))
	var netErr *escrow.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestSimulateReportsRevertReason(t *testing.T) {
	backend := &stubBackend{callErr: nodeError{msg: "execution reverted", data: revertData(t, "escrow not pending")}}
	c := newTestClient(t, backend)

	tx, err := c.BuildInvocation(Account{Address: userAddr}, contracts.MethodApprove, uint64(3))
	require.NoError(t, err)

	res, err := c.Simulate(context.Background(), tx)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, "escrow not pending", res.Error)
	require.Equal(t, contractAddr, *backend.lastCall.To)
	require.Equal(t, userAddr, backend.lastCall.From)
}

func TestSimulateTransportFailure(t *testing.T) {
	c := newTestClient(t, &stubBackend{callErr: errors.New("i/o timeout")})
	tx, err := c.BuildInvocation(Account{Address: userAddr}, contracts.MethodRefund, uint64(3))
	require.NoError(t, err)

	_, err = c.Simulate(context.Background(), tx)
	var netErr *escrow.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestPrepareFailsOnSimulation(t *testing.T) {
	backend := &stubBackend{callErr: nodeError{msg: "execution reverted: insufficient balance"}}
	c := newTestClient(t, backend)
	tx, err := c.BuildInvocation(Account{Address: userAddr}, contracts.MethodApprove, uint64(1))
	require.NoError(t, err)

	_, err = c.Prepare(context.Background(), tx)
	var simErr *escrow.SimulationError
	require.ErrorAs(t, err, &simErr)
	require.Equal(t, contracts.MethodApprove, simErr.Method)
	require.Contains(t, simErr.Reason, "insufficient balance")
}

func TestPrepareComputesFees(t *testing.T) {
	c := newTestClient(t, &stubBackend{gas: 50_000})
	tx, err := c.BuildInvocation(Account{Address: userAddr, Nonce: 4}, contracts.MethodRefund, uint64(1))
	require.NoError(t, err)

	prepared, err := c.Prepare(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, prepared.Simulation.Success)
	require.Equal(t, uint64(60_000), prepared.Tx.Gas())
	require.Equal(t, uint64(4), prepared.Tx.Nonce())
	require.Equal(t, big.NewInt(22), prepared.Tx.GasFeeCap())
	require.Equal(t, contractAddr, *prepared.Tx.To())
}

func TestSubmitStatuses(t *testing.T) {
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: 1})

	c := newTestClient(t, &stubBackend{})
	res, err := c.Submit(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, SubmitPending, res.Status)
	require.Equal(t, tx.Hash(), res.Hash)

	c = newTestClient(t, &stubBackend{sendErr: nodeError{msg: "already known"}})
	res, err = c.Submit(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, SubmitDuplicate, res.Status)

	c = newTestClient(t, &stubBackend{sendErr: nodeError{msg: "nonce too low"}})
	res, err = c.Submit(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, SubmitError, res.Status)

	c = newTestClient(t, &stubBackend{sendErr: errors.New("connection reset")})
	_, err = c.Submit(context.Background(), tx)
	var netErr *escrow.NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestQueryDecodes(t *testing.T) {
	binding, err := contracts.NewBinding()
	require.NoError(t, err)
	out, err := binding.EncodeResult(contracts.MethodGetCreatedIDs, []uint64{3, 1, 2})
	require.NoError(t, err)

	c := newTestClient(t, &stubBackend{callOut: out})
	var ids []uint64
	require.NoError(t, c.Query(context.Background(), "", contracts.MethodGetCreatedIDs, &ids, userAddr))
	require.Equal(t, []uint64{3, 1, 2}, ids)
}

func TestQueryDecodeError(t *testing.T) {
	c := newTestClient(t, &stubBackend{callOut: []byte{0xff}})
	var ids []uint64
	err := c.Query(context.Background(), "", contracts.MethodGetCreatedIDs, &ids, userAddr)
	var decodeErr *escrow.DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestWaitForReceipt(t *testing.T) {
	policy := ConfirmPolicy{Attempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	hash := common.HexToHash("0x01")

	ok := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	c := newTestClient(t, &stubBackend{receipts: []*types.Receipt{nil, ok}})
	got, err := c.WaitForReceipt(context.Background(), contracts.MethodApprove, hash, policy)
	require.NoError(t, err)
	require.Same(t, ok, got)

	reverted := &types.Receipt{Status: types.ReceiptStatusFailed}
	c = newTestClient(t, &stubBackend{receipts: []*types.Receipt{reverted}})
	_, err = c.WaitForReceipt(context.Background(), contracts.MethodApprove, hash, policy)
	var submitErr *escrow.SubmitError
	require.ErrorAs(t, err, &submitErr)
	require.Equal(t, "REVERTED", submitErr.Status)

	backend := &stubBackend{}
	c = newTestClient(t, backend)
	_, err = c.WaitForReceipt(context.Background(), contracts.MethodApprove, hash, policy)
	require.ErrorIs(t, err, ErrNotConfirmed)
	require.Equal(t, 3, backend.receiptN)
}

func TestEventsFiltersForeignLogs(t *testing.T) {
	c := newTestClient(t, &stubBackend{})
	ev := c.Binding().ABI().Events["Refunded"]
	data, err := ev.Inputs.NonIndexed().Pack(userAddr)
	require.NoError(t, err)

	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: contractAddr, Topics: []common.Hash{ev.ID, common.BigToHash(big.NewInt(9))}, Data: data},
		{Address: userAddr, Topics: []common.Hash{ev.ID, common.BigToHash(big.NewInt(10))}, Data: data},
	}}
	events := c.Events(receipt)
	require.Len(t, events, 1)
	require.Equal(t, "Refunded", events[0].Name)
	require.Equal(t, uint64(9), events[0].EscrowID)
}
