package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"escrowctl/internal/contracts"
	"escrowctl/internal/escrow"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the node RPC used by the client. *ethclient.Client
// satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is the gateway to the ledger node for one escrow contract.
type Client struct {
	backend  Backend
	binding  *contracts.Binding
	contract common.Address
	chainID  *big.Int
	log      *slog.Logger
	closeFn  func()
}

type Config struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	Logger          *slog.Logger
}

// Dial connects to the node at cfg.RPCURL. When cfg.ChainID is zero the chain id
// is fetched from the node.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("escrow contract address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = cli.ChainID(ctx)
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
	}

	c, err := NewClient(cli, common.HexToAddress(cfg.ContractAddress), chainID, cfg.Logger)
	if err != nil {
		cli.Close()
		return nil, err
	}
	c.closeFn = cli.Close
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, contract common.Address, chainID *big.Int, logger *slog.Logger) (*Client, error) {
	binding, err := contracts.NewBinding()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend:  backend,
		binding:  binding,
		contract: contract,
		chainID:  chainID,
		log:      logger.With("component", "ledger"),
	}, nil
}

func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) Contract() common.Address { return c.contract }

func (c *Client) Binding() *contracts.Binding { return c.binding }

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.backend.HeaderByNumber(ctx, nil)
	return err
}

// Account is the sequence metadata of a source account.
type Account struct {
	Address common.Address
	Nonce   uint64
}

// GetAccount looks up the next sequence number for identity.
func (c *Client) GetAccount(ctx context.Context, identity escrow.Identity) (Account, error) {
	addr, err := ParseIdentity(identity)
	if err != nil {
		return Account{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, addr)
	if err != nil {
		return Account{}, &escrow.NetworkError{Op: "get account", Err: err}
	}
	return Account{Address: addr, Nonce: nonce}, nil
}

// ParseIdentity converts an identity into an address, rejecting anything that
// is not a hex address.
func ParseIdentity(identity escrow.Identity) (common.Address, error) {
	if !common.IsHexAddress(string(identity)) {
		return common.Address{}, fmt.Errorf("invalid identity %q", identity)
	}
	return common.HexToAddress(string(identity)), nil
}

// UnsignedTx is a contract invocation bound to a source account.
type UnsignedTx struct {
	Method string
	From   common.Address
	Nonce  uint64
	Data   []byte
}

// BuildInvocation packs a call to method with positional args for account.
func (c *Client) BuildInvocation(account Account, method string, args ...interface{}) (*UnsignedTx, error) {
	data, err := c.binding.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	return &UnsignedTx{
		Method: method,
		From:   account.Address,
		Nonce:  account.Nonce,
		Data:   data,
	}, nil
}

func (c *Client) callMsg(tx *UnsignedTx) ethereum.CallMsg {
	to := c.contract
	return ethereum.CallMsg{
		From: tx.From,
		To:   &to,
		Data: tx.Data,
	}
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Success     bool
	ReturnValue []byte
	Error       string
}

// Simulate dry-runs tx against the latest ledger state. A node-side failure is
// reported in the result; only transport failures return an error.
func (c *Client) Simulate(ctx context.Context, tx *UnsignedTx) (SimulationResult, error) {
	out, err := c.backend.CallContract(ctx, c.callMsg(tx), nil)
	if err != nil {
		if !isNodeError(err) {
			return SimulationResult{}, &escrow.NetworkError{Op: "simulate " + tx.Method, Err: err}
		}
		reason := revertReason(err)
		c.log.Debug("simulation failed", "method", tx.Method, "reason", reason)
		return SimulationResult{Success: false, Error: reason}, nil
	}
	return SimulationResult{Success: true, ReturnValue: out}, nil
}

// PreparedTx is an unsigned transaction with its fee and gas computed.
type PreparedTx struct {
	Unsigned   *UnsignedTx
	Tx         *types.Transaction
	Simulation SimulationResult
}

// Prepare simulates tx and, when it succeeds, attaches gas and fee parameters.
func (c *Client) Prepare(ctx context.Context, tx *UnsignedTx) (*PreparedTx, error) {
	sim, err := c.Simulate(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !sim.Success {
		return nil, &escrow.SimulationError{Method: tx.Method, Reason: sim.Error}
	}

	msg := c.callMsg(tx)
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if isNodeError(err) {
			return nil, &escrow.SimulationError{Method: tx.Method, Reason: revertReason(err)}
		}
		return nil, &escrow.NetworkError{Op: "estimate gas", Err: err}
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &escrow.NetworkError{Op: "suggest tip", Err: err}
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &escrow.NetworkError{Op: "latest header", Err: err}
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := c.contract
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.ChainID(),
		Nonce:     tx.Nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Data:      tx.Data,
	})
	return &PreparedTx{Unsigned: tx, Tx: unsigned, Simulation: sim}, nil
}

// SubmitStatus is the node's verdict on a submission.
type SubmitStatus string

const (
	SubmitPending   SubmitStatus = "PENDING"
	SubmitDuplicate SubmitStatus = "DUPLICATE"
	SubmitError     SubmitStatus = "ERROR"
)

type SubmitResult struct {
	Status SubmitStatus
	Hash   common.Hash
	Error  string
}

// Submit sends a signed transaction. It does not wait for finality.
func (c *Client) Submit(ctx context.Context, signed *types.Transaction) (SubmitResult, error) {
	hash := signed.Hash()
	err := c.backend.SendTransaction(ctx, signed)
	switch {
	case err == nil:
		return SubmitResult{Status: SubmitPending, Hash: hash}, nil
	case !isNodeError(err):
		return SubmitResult{}, &escrow.NetworkError{Op: "submit", Err: err}
	case strings.Contains(strings.ToLower(err.Error()), "already known"):
		return SubmitResult{Status: SubmitDuplicate, Hash: hash, Error: err.Error()}, nil
	default:
		return SubmitResult{Status: SubmitError, Hash: hash, Error: err.Error()}, nil
	}
}

// Query runs a read-only call and decodes its return value into out. It never
// signs or submits anything. source may be empty.
func (c *Client) Query(ctx context.Context, source escrow.Identity, method string, out interface{}, args ...interface{}) error {
	raw, err := c.Call(ctx, source, method, args...)
	if err != nil {
		return err
	}
	if err := c.binding.Unpack(method, out, raw); err != nil {
		return &escrow.DecodeError{What: method, Err: err}
	}
	return nil
}

// Call runs a read-only call and returns the raw return data.
func (c *Client) Call(ctx context.Context, source escrow.Identity, method string, args ...interface{}) ([]byte, error) {
	var from common.Address
	if source != "" {
		addr, err := ParseIdentity(source)
		if err != nil {
			return nil, err
		}
		from = addr
	}
	tx, err := c.BuildInvocation(Account{Address: from}, method, args...)
	if err != nil {
		return nil, err
	}
	sim, err := c.Simulate(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !sim.Success {
		return nil, &escrow.SimulationError{Method: method, Reason: sim.Error}
	}
	return sim.ReturnValue, nil
}

// isNodeError reports whether err was produced by the node (as opposed to the
// transport failing to reach it).
func isNodeError(err error) bool {
	var rpcErr interface{ ErrorCode() int }
	return errors.As(err, &rpcErr)
}
