package signer

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowctl/internal/hmacauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func unsignedTx() *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000e5")
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(31337),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
		Data:      []byte{0x01, 0x02},
	})
}

func TestKeySignerSigns(t *testing.T) {
	s, err := NewKeySigner("0x"+testKey, big.NewInt(31337))
	require.NoError(t, err)

	signed, err := s.SignTransaction(context.Background(), unsignedTx())
	require.NoError(t, err)
	require.NoError(t, verifySender(signed, s.Identity()))
}

func TestKeySignerRejectsBadKey(t *testing.T) {
	_, err := NewKeySigner("zz", big.NewInt(1))
	require.Error(t, err)
	_, err = NewKeySigner(testKey, nil)
	require.Error(t, err)
}

func TestRemoteSigner(t *testing.T) {
	local, err := NewKeySigner(testKey, big.NewInt(31337))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(hmacauth.HeaderSignature) == "" {
			http.Error(w, "unsigned request", http.StatusUnauthorized)
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw, err := hexutil.Decode(req.Transaction)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		signed, err := local.SignTransaction(r.Context(), tx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out, _ := signed.MarshalBinary()
		_ = json.NewEncoder(w).Encode(signResponse{SignedTransaction: hexutil.Encode(out)})
	}))
	defer srv.Close()

	remote, err := NewRemoteSigner(RemoteConfig{Endpoint: srv.URL, Identity: local.Identity(), Secret: "s3cret"})
	require.NoError(t, err)

	signed, err := remote.SignTransaction(context.Background(), unsignedTx())
	require.NoError(t, err)
	require.Equal(t, uint64(3), signed.Nonce())
}

func TestRemoteSignerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "user declined", http.StatusForbidden)
	}))
	defer srv.Close()

	remote, err := NewRemoteSigner(RemoteConfig{Endpoint: srv.URL, Identity: "0x00000000000000000000000000000000000000A1"})
	require.NoError(t, err)

	_, err = remote.SignTransaction(context.Background(), unsignedTx())
	require.ErrorIs(t, err, ErrRejected)
}

func TestRemoteSignerWrongKey(t *testing.T) {
	local, err := NewKeySigner(testKey, big.NewInt(31337))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signed, _ := local.SignTransaction(r.Context(), unsignedTx())
		out, _ := signed.MarshalBinary()
		_ = json.NewEncoder(w).Encode(signResponse{SignedTransaction: hexutil.Encode(out)})
	}))
	defer srv.Close()

	remote, err := NewRemoteSigner(RemoteConfig{Endpoint: srv.URL, Identity: "0x00000000000000000000000000000000000000A1"})
	require.NoError(t, err)

	_, err = remote.SignTransaction(context.Background(), unsignedTx())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)
}
