package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"escrowctl/internal/escrow"
	"escrowctl/internal/hmacauth"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RemoteSigner asks an external signing service to sign transactions. A 403 or
// 409 answer means the holder of the key declined.
type RemoteSigner struct {
	endpoint string
	identity escrow.Identity
	secret   string
	http     *http.Client
	now      func() time.Time
}

type RemoteConfig struct {
	Endpoint string
	Identity escrow.Identity
	Secret   string
	Timeout  time.Duration
}

type signRequest struct {
	Address     string `json:"address"`
	Transaction string `json:"transaction"`
}

type signResponse struct {
	SignedTransaction string `json:"signedTransaction"`
}

func NewRemoteSigner(cfg RemoteConfig) (*RemoteSigner, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("signer endpoint is required")
	}
	if cfg.Identity == "" {
		return nil, fmt.Errorf("signer identity is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		// Humans approve remote signatures; leave them time.
		timeout = 2 * time.Minute
	}
	return &RemoteSigner{
		endpoint: cfg.Endpoint,
		identity: cfg.Identity,
		secret:   cfg.Secret,
		http:     &http.Client{Timeout: timeout},
		now:      time.Now,
	}, nil
}

func (s *RemoteSigner) Identity() escrow.Identity { return s.identity }

func (s *RemoteSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	body, err := json.Marshal(signRequest{Address: string(s.identity), Transaction: hexutil.Encode(raw)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		hmacauth.SignRequest(req, s.secret, body, s.now())
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusConflict:
		return nil, ErrRejected
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("signer failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode signer response: %w", err)
	}
	signedRaw, err := hexutil.Decode(out.SignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode signed tx: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(signedRaw); err != nil {
		return nil, fmt.Errorf("decode signed tx: %w", err)
	}
	if signed.Nonce() != tx.Nonce() || signed.To() == nil || *signed.To() != *tx.To() || !bytes.Equal(signed.Data(), tx.Data()) {
		return nil, fmt.Errorf("signer returned a different transaction")
	}
	if err := verifySender(signed, s.identity); err != nil {
		return nil, err
	}
	return signed, nil
}
