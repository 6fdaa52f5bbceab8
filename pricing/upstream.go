package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"pricingcache.app/pkg/models"
)

// OracleClient calls the upstream pricing oracle over HTTP. It is the thing
// a CoalescingCache's ComputeFunc closure wraps: exactly one call per
// leader election, never invoked directly by a follower.
type OracleClient struct {
	url        string
	httpClient *http.Client
}

// NewOracleClient builds a client with a dial timeout distinct from the
// per-request timeout the caller applies via context (spec.md §6:
// upstream calls are wrapped in API_TIMEOUT by the caller, not here).
func NewOracleClient(url string, dialTimeout time.Duration) *OracleClient {
	return &OracleClient{
		url: url,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
			},
		},
	}
}

// FetchRate performs the single upstream POST for one attribute tuple and
// returns the raw response body. The caller (pricing.CoalescingCache) owns
// the deadline via ctx; FetchRate does not impose its own.
func (c *OracleClient) FetchRate(ctx context.Context, attrs models.RateAttributes) ([]byte, error) {
	reqBody, err := json.Marshal(models.OracleRequest{Attributes: []models.RateAttributes{attrs}})
	if err != nil {
		return nil, newUnexpectedError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, newUnexpectedError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newTimeoutError(err)
		}
		return nil, newAPIError(0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newUnexpectedError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, string(body))
	}

	return body, nil
}
