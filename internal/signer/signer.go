package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"escrowctl/internal/escrow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrRejected is returned when the signer declines to sign. Callers treat it as
// a cancellation, not a failure.
var ErrRejected = errors.New("signer rejected transaction")

// Signer produces a signed transaction from an unsigned one.
type Signer interface {
	Identity() escrow.Identity
	SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

func NewKeySigner(hexKey string, chainID *big.Int) (*KeySigner, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (s *KeySigner) Identity() escrow.Identity {
	return escrow.IdentityOf(s.address)
}

func (s *KeySigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// verifySender checks that signed was produced by identity.
func verifySender(signed *types.Transaction, identity escrow.Identity) error {
	from, err := types.Sender(types.LatestSignerForChainID(signed.ChainId()), signed)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if escrow.IdentityOf(from) != identity {
		return fmt.Errorf("transaction signed by %s, expected %s", from.Hex(), identity)
	}
	return nil
}
