package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// HttpRevert proposes cooperative reverts over the counterparty's HTTP API.
// It is the fallback path when contract messaging is down, so it shares no
// infrastructure with WsTransport.
type HttpRevert struct {
	baseURL string
	client  *http.Client
}

func NewHttpRevert(baseURL string) *HttpRevert {
	return &HttpRevert{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HttpRevert) ProposeRevert(ctx context.Context, channelID string, traderAmount, coordinatorAmount btcutil.Amount, price decimal.Decimal) (bool, error) {
	payload := map[string]any{
		"channel_id":              channelID,
		"trader_amount_sats":      int64(traderAmount),
		"coordinator_amount_sats": int64(coordinatorAmount),
		"price":                   price,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/channels/revert", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("revert proposal rejected: %s", string(respBody))
	}

	var result struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return false, err
	}
	return result.Accepted, nil
}
