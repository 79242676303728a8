package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const (
	BybitBaseURL = "https://api.bybit.com"
)

// BybitAdapter supplies mark prices and funding rates from Bybit's public V5
// market endpoints for the inverse perpetual the contracts settle against.
type BybitAdapter struct {
	baseURL string
	symbol  string
	client  *http.Client
}

func NewBybitAdapter(baseURL, symbol string) *BybitAdapter {
	return &BybitAdapter{
		baseURL: baseURL,
		symbol:  symbol,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BybitAdapter) getTicker(ctx context.Context) (markPrice, fundingRate string, err error) {
	path := "/v5/market/tickers?category=inverse&symbol=" + b.symbol
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return "", "", err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("API error: %s", string(body))
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				MarkPrice   string `json:"markPrice"`
				FundingRate string `json:"fundingRate"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", "", err
	}
	if result.RetCode != 0 {
		return "", "", fmt.Errorf("bybit ticker error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return "", "", fmt.Errorf("symbol %s not found", b.symbol)
	}

	return result.Result.List[0].MarkPrice, result.Result.List[0].FundingRate, nil
}

func (b *BybitAdapter) MarkPrice(ctx context.Context) (decimal.Decimal, error) {
	mark, _, err := b.getTicker(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(mark)
}

func (b *BybitAdapter) FundingRate(ctx context.Context) (decimal.Decimal, error) {
	_, rate, err := b.getTicker(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(rate)
}
