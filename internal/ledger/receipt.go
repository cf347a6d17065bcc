package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowctl/internal/contracts"
	"escrowctl/internal/escrow"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotConfirmed is returned when the receipt did not appear within the
// configured attempts.
var ErrNotConfirmed = errors.New("transaction not confirmed")

// ConfirmPolicy bounds receipt polling.
type ConfirmPolicy struct {
	Attempts          int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

func DefaultConfirmPolicy() ConfirmPolicy {
	return ConfirmPolicy{
		Attempts:          10,
		InitialBackoff:    time.Second,
		MaxBackoff:        8 * time.Second,
		BackoffMultiplier: 2,
	}
}

// WaitForReceipt polls for the receipt of hash until it is mined, the attempts
// run out or ctx is cancelled. A mined but reverted transaction is a SubmitError.
func (c *Client) WaitForReceipt(ctx context.Context, method string, hash common.Hash, policy ConfirmPolicy) (*types.Receipt, error) {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &escrow.SubmitError{Method: method, Status: "REVERTED", Hash: hash.Hex()}
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if !isNodeError(err) {
				return nil, &escrow.NetworkError{Op: "receipt", Err: err}
			}
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		if i == attempts {
			break
		}

		sleep := backoff
		if policy.MaxBackoff > 0 && sleep > policy.MaxBackoff {
			sleep = policy.MaxBackoff
		}
		c.log.Debug("receipt not yet available", "hash", hash.Hex(), "attempt", i, "retry_in", sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if policy.BackoffMultiplier > 1 {
			backoff *= time.Duration(policy.BackoffMultiplier)
		}
	}
	return nil, ErrNotConfirmed
}

// Events decodes the escrow events emitted in receipt. Logs from other
// contracts and undecodable logs are skipped.
func (c *Client) Events(receipt *types.Receipt) []contracts.Event {
	if receipt == nil {
		return nil
	}
	var events []contracts.Event
	for _, l := range receipt.Logs {
		if l == nil || l.Address != c.contract {
			continue
		}
		ev, err := c.binding.ParseEvent(*l)
		if err != nil {
			c.log.Debug("skip log", "tx", l.TxHash.Hex(), "err", err)
			continue
		}
		events = append(events, ev)
	}
	return events
}
