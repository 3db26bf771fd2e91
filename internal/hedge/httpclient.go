package hedge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/meridianre/meridian/pkg/models"
)

// HTTPVenueClient talks to an offset venue over its REST API.
type HTTPVenueClient struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPVenueClient builds a client for one venue endpoint. Call
// deadlines come from the caller's context; the coordinator applies its
// configured call timeout.
func NewHTTPVenueClient(name, endpoint string, client *http.Client) *HTTPVenueClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPVenueClient{name: name, endpoint: endpoint, client: client}
}

type orderRequest struct {
	Notional decimal.Decimal `json:"notional"`
}

type orderResponse struct {
	Reference string `json:"reference"`
}

type liquidationRequest struct {
	Reference string `json:"reference"`
}

type liquidationResponse struct {
	Proceeds decimal.Decimal `json:"proceeds"`
}

type marketDataResponse struct {
	Cost     decimal.Decimal `json:"cost"`
	Capacity decimal.Decimal `json:"capacity"`
}

// PlaceOrder opens an offset position of the given notional.
func (c *HTTPVenueClient) PlaceOrder(ctx context.Context, notional decimal.Decimal) (OrderResult, error) {
	var resp orderResponse
	err := c.post(ctx, "/orders", orderRequest{Notional: notional}, &resp)
	if err != nil {
		return OrderResult{}, err
	}
	if resp.Reference == "" {
		return OrderResult{}, fmt.Errorf("venue %s: order accepted without reference", c.name)
	}
	return OrderResult{ExternalReference: resp.Reference}, nil
}

// Liquidate closes a previously placed position.
func (c *HTTPVenueClient) Liquidate(ctx context.Context, externalReference string) (LiquidationResult, error) {
	var resp liquidationResponse
	err := c.post(ctx, "/liquidations", liquidationRequest{Reference: externalReference}, &resp)
	if err != nil {
		return LiquidationResult{}, err
	}
	return LiquidationResult{Venue: c.name, Proceeds: resp.Proceeds}, nil
}

// GetMarketData fetches the venue's current offset cost and capacity.
func (c *HTTPVenueClient) GetMarketData(ctx context.Context, coverageType models.CoverageType) (MarketData, error) {
	endpoint := c.endpoint + "/market-data?coverage_type=" + url.QueryEscape(string(coverageType))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return MarketData{}, fmt.Errorf("venue %s: build request: %w", c.name, err)
	}
	var resp marketDataResponse
	if err := c.do(req, &resp); err != nil {
		return MarketData{}, err
	}
	return MarketData{Cost: resp.Cost, Capacity: resp.Capacity}, nil
}

func (c *HTTPVenueClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("venue %s: marshal request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("venue %s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPVenueClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("venue %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("venue %s: unexpected status %d", c.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("venue %s: decode response: %w", c.name, err)
	}
	return nil
}
