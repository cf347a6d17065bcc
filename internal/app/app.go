// Package app assembles the escrow client components from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"escrowctl/internal/balance"
	"escrowctl/internal/config"
	"escrowctl/internal/dashboard"
	"escrowctl/internal/escrow"
	"escrowctl/internal/ledger"
	"escrowctl/internal/metrics"
	"escrowctl/internal/notify"
	"escrowctl/internal/orchestrator"
	"escrowctl/internal/signer"

	"github.com/ethereum/go-ethereum/common"
)

type App struct {
	Ledger       *ledger.Client
	Session      orchestrator.Session
	Dashboard    *dashboard.Index
	Orchestrator *orchestrator.Orchestrator
	Board        *notify.Board
	Metrics      *metrics.Registry
	Fetcher      balance.Fetcher
	Asset        balance.Asset
}

// Build dials the node and wires every component. The caller owns Close.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
	defer cancel()
	client, err := ledger.Dial(dialCtx, ledger.Config{
		RPCURL:          cfg.Chain.RPCURL,
		ContractAddress: cfg.Chain.EscrowAddress,
		ChainID:         cfg.Chain.ChainID,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	sgn, err := NewSigner(cfg.Signer, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("signer: %w", err)
	}

	reg := metrics.New()
	board := notify.NewBoard(cfg.Service.DisplayTimeout, logger)
	idx := dashboard.New(client, reg, logger)

	var asset common.Address
	if cfg.Chain.TokenAddress != "" {
		asset = common.HexToAddress(cfg.Chain.TokenAddress)
	}
	orch, err := orchestrator.New(client, idx, board, reg, orchestrator.Config{
		Asset:           asset,
		SettleDelay:     cfg.Settlement.Delay,
		ConfirmReceipts: cfg.Settlement.ConfirmReceipts,
		ConfirmPolicy: ledger.ConfirmPolicy{
			Attempts:          cfg.Settlement.ConfirmAttempts,
			InitialBackoff:    cfg.Settlement.InitialBackoff,
			MaxBackoff:        cfg.Settlement.MaxBackoff,
			BackoffMultiplier: 2,
		},
	}, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	a := &App{
		Ledger:       client,
		Session:      orchestrator.Session{Identity: sgn.Identity(), Signer: sgn},
		Dashboard:    idx,
		Orchestrator: orch,
		Board:        board,
		Metrics:      reg,
		Asset:        balance.Asset{Code: cfg.Balance.AssetCode, Issuer: cfg.Balance.AssetIssuer},
	}
	if cfg.Balance.AccountsURL != "" {
		a.Fetcher = balance.NewHTTPFetcher(cfg.Balance.AccountsURL, cfg.Chain.RPCTimeout, cfg.Balance.RatePerSecond)
	}
	return a, nil
}

// NewSigner picks a local key signer when a private key is configured and the
// remote signing service otherwise.
func NewSigner(cfg config.SignerConfig, client *ledger.Client) (signer.Signer, error) {
	if cfg.PrivateKey != "" {
		ks, err := signer.NewKeySigner(cfg.PrivateKey, client.ChainID())
		if err != nil {
			return nil, err
		}
		return ks, nil
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("set SIGNER_PRIVATE_KEY or SIGNER_REMOTE_URL")
	}
	if !common.IsHexAddress(cfg.Identity) {
		return nil, fmt.Errorf("SIGNER_IDENTITY %q is not an address", cfg.Identity)
	}
	rs, err := signer.NewRemoteSigner(signer.RemoteConfig{
		Endpoint: cfg.RemoteURL,
		Identity: escrow.IdentityOf(common.HexToAddress(cfg.Identity)),
		Secret:   cfg.RemoteSecret,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (a *App) Close() {
	a.Ledger.Close()
}
