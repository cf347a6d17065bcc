package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	RPCURL    string `json:"rpcUrl"`
	Contracts struct {
		Escrow string `json:"Escrow"`
		Token  string `json:"Token"`
	} `json:"contracts"`
	Asset struct {
		Code   string `json:"code"`
		Issuer string `json:"issuer"`
	} `json:"asset"`
	AccountsURL string `json:"accountsUrl"`
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// FileConfig is the optional YAML service file.
type FileConfig struct {
	HTTPPort          int      `yaml:"http_port"`
	RPCTimeout        Duration `yaml:"rpc_timeout"`
	SettleDelay       Duration `yaml:"settle_delay"`
	DisplayTimeout    Duration `yaml:"display_timeout"`
	IdempotencyWindow Duration `yaml:"idempotency_window"`
	Confirm           struct {
		Receipts       bool     `yaml:"receipts"`
		Attempts       int      `yaml:"attempts"`
		InitialBackoff Duration `yaml:"initial_backoff"`
		MaxBackoff     Duration `yaml:"max_backoff"`
	} `yaml:"confirm"`
	Balance struct {
		AccountsURL   string   `yaml:"accounts_url"`
		AssetCode     string   `yaml:"asset_code"`
		AssetIssuer   string   `yaml:"asset_issuer"`
		PollInterval  Duration `yaml:"poll_interval"`
		RatePerSecond float64  `yaml:"rate_per_second"`
	} `yaml:"balance"`
	Signer struct {
		RemoteURL string   `yaml:"remote_url"`
		Identity  string   `yaml:"identity"`
		Timeout   Duration `yaml:"timeout"`
	} `yaml:"signer"`
}

// AppConfig ties together deployment info, the service file and environment.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Settlement SettlementConfig
	Balance    BalanceConfig
	Signer     SignerConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	PostgresDSN       string
	DisplayTimeout    time.Duration
}

type ChainConfig struct {
	RPCURL        string
	ChainID       int64
	EscrowAddress string
	TokenAddress  string
	RPCTimeout    time.Duration
}

type SettlementConfig struct {
	Delay           time.Duration
	ConfirmReceipts bool
	ConfirmAttempts int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

type BalanceConfig struct {
	AccountsURL   string
	AssetCode     string
	AssetIssuer   string
	PollInterval  time.Duration
	RatePerSecond float64
}

// SignerConfig selects the signer: a local key when PrivateKey is set,
// otherwise the remote signing service at RemoteURL acting for Identity.
type SignerConfig struct {
	PrivateKey   string
	RemoteURL    string
	RemoteSecret string
	Identity     string
	Timeout      time.Duration
}

const defaultDeploymentsPath = "deployments.json"

// Load aggregates configuration from disk and environment. Environment values
// win over the YAML file, which wins over deployments.json.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)
	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		if !(errors.Is(err, os.ErrNotExist) && deploymentsPath == defaultDeploymentsPath) {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		deployCfg = &DeploymentConfig{}
	}

	var fileCfg FileConfig
	if path := envOr("CONFIG_PATH", ""); path != "" {
		if fileCfg, err = loadFile(path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	return build(*deployCfg, fileCfg)
}

func build(deployCfg DeploymentConfig, fileCfg FileConfig) (*AppConfig, error) {
	cfg := &AppConfig{
		Deployment: deployCfg,
		Service: ServiceConfig{
			HTTPPort:          envOrInt("API_HTTP_PORT", firstInt(fileCfg.HTTPPort, 3000)),
			HMACSecret:        envOr("API_HMAC_SECRET", ""),
			HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow: envOrDuration("IDEMPOTENCY_WINDOW", firstDuration(fileCfg.IdempotencyWindow, 5*time.Minute)),
			PostgresDSN:       envOr("POSTGRES_DSN", ""),
			DisplayTimeout:    envOrDuration("NOTIFY_DISPLAY_TIMEOUT", firstDuration(fileCfg.DisplayTimeout, 10*time.Second)),
		},
		Chain: ChainConfig{
			RPCURL:        envOr("CHAIN_RPC_URL", deployCfg.RPCURL),
			ChainID:       int64(envOrInt("CHAIN_ID", int(deployCfg.ChainID))),
			EscrowAddress: envOr("ESCROW_CONTRACT", deployCfg.Contracts.Escrow),
			TokenAddress:  envOr("ESCROW_TOKEN", deployCfg.Contracts.Token),
			RPCTimeout:    envOrDuration("RPC_TIMEOUT", firstDuration(fileCfg.RPCTimeout, 10*time.Second)),
		},
		Settlement: SettlementConfig{
			Delay:           envOrDuration("ESCROW_SETTLE_DELAY", firstDuration(fileCfg.SettleDelay, 3*time.Second)),
			ConfirmReceipts: envOrBool("ESCROW_CONFIRM_RECEIPTS", fileCfg.Confirm.Receipts),
			ConfirmAttempts: envOrInt("ESCROW_CONFIRM_ATTEMPTS", firstInt(fileCfg.Confirm.Attempts, 10)),
			InitialBackoff:  firstDuration(fileCfg.Confirm.InitialBackoff, time.Second),
			MaxBackoff:      firstDuration(fileCfg.Confirm.MaxBackoff, 8*time.Second),
		},
		Balance: BalanceConfig{
			AccountsURL:   envOr("BALANCE_ACCOUNTS_URL", firstString(fileCfg.Balance.AccountsURL, deployCfg.AccountsURL)),
			AssetCode:     envOr("BALANCE_ASSET_CODE", firstString(fileCfg.Balance.AssetCode, deployCfg.Asset.Code, "USDC")),
			AssetIssuer:   envOr("BALANCE_ASSET_ISSUER", firstString(fileCfg.Balance.AssetIssuer, deployCfg.Asset.Issuer)),
			PollInterval:  envOrDuration("BALANCE_POLL_INTERVAL", firstDuration(fileCfg.Balance.PollInterval, 10*time.Second)),
			RatePerSecond: fileCfg.Balance.RatePerSecond,
		},
		Signer: SignerConfig{
			PrivateKey:   envOr("SIGNER_PRIVATE_KEY", ""),
			RemoteURL:    envOr("SIGNER_REMOTE_URL", fileCfg.Signer.RemoteURL),
			RemoteSecret: envOr("SIGNER_REMOTE_SECRET", ""),
			Identity:     envOr("SIGNER_IDENTITY", fileCfg.Signer.Identity),
			Timeout:      envOrDuration("SIGNER_TIMEOUT", firstDuration(fileCfg.Signer.Timeout, 2*time.Minute)),
		},
	}
	if cfg.Balance.RatePerSecond <= 0 {
		cfg.Balance.RatePerSecond = 1
	}
	return cfg, nil
}

// Validate checks the values every binary needs to reach the contract.
func (c *AppConfig) Validate() error {
	if c.Chain.RPCURL == "" {
		return errors.New("CHAIN_RPC_URL is required")
	}
	if !common.IsHexAddress(c.Chain.EscrowAddress) {
		return fmt.Errorf("escrow contract address %q is invalid", c.Chain.EscrowAddress)
	}
	if c.Chain.TokenAddress != "" && !common.IsHexAddress(c.Chain.TokenAddress) {
		return fmt.Errorf("escrow token address %q is invalid", c.Chain.TokenAddress)
	}
	return nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string) (FileConfig, error) {
	cfg := FileConfig{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstDuration(d Duration, fallback time.Duration) time.Duration {
	if d.Duration > 0 {
		return d.Duration
	}
	return fallback
}
