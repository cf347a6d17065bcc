package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"escrowctl/internal/escrow"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Asset identifies one balance line by code and issuer.
type Asset struct {
	Code   string `json:"code" yaml:"code"`
	Issuer string `json:"issuer" yaml:"issuer"`
}

// ZeroBalance is reported when an account holds no line for the asset.
const ZeroBalance = "0.00"

// Fetcher returns the display balance of asset for identity.
type Fetcher interface {
	Balance(ctx context.Context, identity escrow.Identity, asset Asset) (string, error)
}

// HTTPFetcher reads balances from an account endpoint that answers
// GET {BaseURL}/accounts/{identity} with a list of balance lines.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher allows at most perSecond requests per second to the endpoint.
func NewHTTPFetcher(baseURL string, timeout time.Duration, perSecond float64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

type accountResponse struct {
	Balances []balanceLine `json:"balances"`
}

type balanceLine struct {
	Balance     string `json:"balance"`
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`
}

func (f *HTTPFetcher) Balance(ctx context.Context, identity escrow.Identity, asset Asset) (string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	endpoint := f.BaseURL + "/accounts/" + url.PathEscape(string(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &escrow.NetworkError{Op: "fetch balance", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("account endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var account accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return "", &escrow.DecodeError{What: "account", Err: err}
	}
	return matchLine(account.Balances, asset)
}

// matchLine picks the line for asset. No matching line is a zero balance.
func matchLine(lines []balanceLine, asset Asset) (string, error) {
	for _, line := range lines {
		if line.AssetCode != asset.Code || line.AssetIssuer != asset.Issuer {
			continue
		}
		d, err := decimal.NewFromString(line.Balance)
		if err != nil {
			return "", &escrow.DecodeError{What: "balance", Err: err}
		}
		return d.StringFixed(2), nil
	}
	return ZeroBalance, nil
}
