package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EscrowABI describes the escrow contract surface used by the client.
const EscrowABI = `[
  {"type":"function","name":"get_created_ids","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint64[]"}]},
  {"type":"function","name":"get_received_ids","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint64[]"}]},
  {"type":"function","name":"get_escrow","stateMutability":"view",
   "inputs":[{"name":"id","type":"uint64"}],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"sender","type":"address"},
     {"name":"recipients","type":"tuple[]","components":[
       {"name":"account","type":"address"},
       {"name":"share","type":"uint32"}]},
     {"name":"amount","type":"int128"},
     {"name":"token","type":"address"},
     {"name":"created_at","type":"uint64"},
     {"name":"deadline","type":"uint64"},
     {"name":"approved","type":"bool"},
     {"name":"status","type":"uint32"}]}]},
  {"type":"function","name":"create","stateMutability":"nonpayable",
   "inputs":[
     {"name":"sender","type":"address"},
     {"name":"recipients","type":"tuple[]","components":[
       {"name":"account","type":"address"},
       {"name":"share","type":"uint32"}]},
     {"name":"amount","type":"int128"},
     {"name":"token","type":"address"},
     {"name":"deadline","type":"uint64"}],
   "outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint64"},{"name":"caller","type":"address"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint64"}],"outputs":[]},
  {"type":"event","name":"Created","anonymous":false,"inputs":[
     {"name":"id","type":"uint64","indexed":true},
     {"name":"sender","type":"address","indexed":false},
     {"name":"amount","type":"int128","indexed":false},
     {"name":"deadline","type":"uint64","indexed":false}]},
  {"type":"event","name":"Approved","anonymous":false,"inputs":[
     {"name":"id","type":"uint64","indexed":true},
     {"name":"sender","type":"address","indexed":false}]},
  {"type":"event","name":"SplitClaimed","anonymous":false,"inputs":[
     {"name":"id","type":"uint64","indexed":true},
     {"name":"recipient","type":"address","indexed":false},
     {"name":"amount","type":"int128","indexed":false}]},
  {"type":"event","name":"Claimed","anonymous":false,"inputs":[
     {"name":"id","type":"uint64","indexed":true},
     {"name":"recipients","type":"address[]","indexed":false}]},
  {"type":"event","name":"Refunded","anonymous":false,"inputs":[
     {"name":"id","type":"uint64","indexed":true},
     {"name":"sender","type":"address","indexed":false}]}
]`

// Contract method names, in the positional-argument order documented on each.
const (
	MethodGetCreatedIDs  = "get_created_ids"  // (user)
	MethodGetReceivedIDs = "get_received_ids" // (user)
	MethodGetEscrow      = "get_escrow"       // (id)
	MethodCreate         = "create"           // (sender, recipients, amount, token, deadline)
	MethodApprove        = "approve"          // (id)
	MethodClaim          = "claim"            // (id, caller)
	MethodRefund         = "refund"           // (id)
)

// Event names emitted by the contract.
const (
	EventCreated      = "Created"
	EventApproved     = "Approved"
	EventSplitClaimed = "SplitClaimed"
	EventClaimed      = "Claimed"
	EventRefunded     = "Refunded"
)

// RecipientShare mirrors the (address, percent) tuple. Field order matters for ABI copying.
type RecipientShare struct {
	Account common.Address
	Share   uint32
}

// EscrowRecord mirrors the get_escrow return tuple.
type EscrowRecord struct {
	Sender     common.Address
	Recipients []RecipientShare
	Amount     *big.Int
	Token      common.Address
	CreatedAt  uint64
	Deadline   uint64
	Approved   bool
	Status     uint32
}

// Event is a decoded escrow contract log.
type Event struct {
	Name     string
	EscrowID uint64
	Fields   map[string]interface{}
	TxHash   common.Hash
}

var (
	parseOnce sync.Once
	parsedABI abi.ABI
	parseErr  error
)

// ParsedEscrowABI returns the parsed ABI, parsing it once per process.
func ParsedEscrowABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(EscrowABI))
	})
	return parsedABI, parseErr
}

// Binding packs calls to and unpacks results from the escrow contract.
type Binding struct {
	abi abi.ABI
}

func NewBinding() (*Binding, error) {
	parsed, err := ParsedEscrowABI()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &Binding{abi: parsed}, nil
}

func (b *Binding) ABI() abi.ABI {
	return b.abi
}

// Pack encodes a call to method with positional args.
func (b *Binding) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// Unpack decodes the return data of method into out.
func (b *Binding) Unpack(method string, out interface{}, data []byte) error {
	if err := b.abi.UnpackIntoInterface(out, method, data); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

// UnpackEscrow decodes a get_escrow result.
func (b *Binding) UnpackEscrow(data []byte) (EscrowRecord, error) {
	// A single tuple output is copied into the first field of the destination struct.
	var out struct {
		Record EscrowRecord
	}
	if err := b.Unpack(MethodGetEscrow, &out, data); err != nil {
		return EscrowRecord{}, err
	}
	return out.Record, nil
}

// UnpackIDs decodes a get_created_ids or get_received_ids result.
func (b *Binding) UnpackIDs(method string, data []byte) ([]uint64, error) {
	var ids []uint64
	if err := b.Unpack(method, &ids, data); err != nil {
		return nil, err
	}
	return ids, nil
}

// UnpackCreatedID decodes the id returned by create.
func (b *Binding) UnpackCreatedID(data []byte) (uint64, error) {
	var id uint64
	if err := b.Unpack(MethodCreate, &id, data); err != nil {
		return 0, err
	}
	return id, nil
}

// ParseEvent decodes an escrow event log. Logs from other contracts or with unknown
// signatures return an error.
func (b *Binding) ParseEvent(log types.Log) (Event, error) {
	if len(log.Topics) < 2 {
		return Event{}, errors.New("log has no indexed escrow id")
	}
	ev, err := b.abi.EventByID(log.Topics[0])
	if err != nil {
		return Event{}, err
	}
	fields := make(map[string]interface{})
	if len(log.Data) > 0 {
		if err := b.abi.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
			return Event{}, fmt.Errorf("unpack %s: %w", ev.Name, err)
		}
	}
	id := new(big.Int).SetBytes(log.Topics[1].Bytes())
	if !id.IsUint64() {
		return Event{}, fmt.Errorf("%s: escrow id overflows u64", ev.Name)
	}
	return Event{
		Name:     ev.Name,
		EscrowID: id.Uint64(),
		Fields:   fields,
		TxHash:   log.TxHash,
	}, nil
}

// EncodeResult ABI-encodes values as the return data of method. Local backends and
// tests use it to answer calls the way a node would.
func (b *Binding) EncodeResult(method string, values ...interface{}) ([]byte, error) {
	m, ok := b.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("method %q not found", method)
	}
	return m.Outputs.Pack(values...)
}
