// Package gateway is the REST client for the order-execution gateway. It
// implements domain.ExecutionGateway and domain.MarketData.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/riskguard/internal/crypto"
	"github.com/alanyoungcy/riskguard/internal/domain"
)

// Client talks to the gateway over HTTP with HMAC-signed requests.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
}

var (
	_ domain.ExecutionGateway = (*Client)(nil)
	_ domain.MarketData       = (*Client)(nil)
)

// NewClient creates a gateway client. baseURL is the API root, e.g.
// "https://gateway.internal/v1". auth may be nil for unsigned test gateways.
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
	}
}

type commandResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"error"`
}

type protectiveOrdersRequest struct {
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
}

type closeRequest struct {
	Price float64 `json:"price"`
}

type priceResponse struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"ts"`
}

// CancelProtectiveOrders cancels the live take-profit/stop-loss pair of a
// position.
func (c *Client) CancelProtectiveOrders(ctx context.Context, positionID string) error {
	path := "/positions/" + url.PathEscape(positionID) + "/protective-orders"
	if err := c.command(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("gateway: cancel protective orders %s: %w", positionID, err)
	}
	return nil
}

// PlaceProtectiveOrders places a new take-profit/stop-loss pair.
func (c *Client) PlaceProtectiveOrders(ctx context.Context, positionID string, takeProfit, stopLoss float64) error {
	path := "/positions/" + url.PathEscape(positionID) + "/protective-orders"
	body := protectiveOrdersRequest{TakeProfit: takeProfit, StopLoss: stopLoss}
	if err := c.command(ctx, http.MethodPost, path, body); err != nil {
		return fmt.Errorf("gateway: place protective orders %s: %w", positionID, err)
	}
	return nil
}

// ClosePosition requests a market close of the position at about price.
func (c *Client) ClosePosition(ctx context.Context, positionID string, price float64) error {
	path := "/positions/" + url.PathEscape(positionID) + "/close"
	if err := c.command(ctx, http.MethodPost, path, closeRequest{Price: price}); err != nil {
		return fmt.Errorf("gateway: close position %s: %w", positionID, err)
	}
	return nil
}

// GetPrice returns the gateway's last traded price for instrument.
func (c *Client) GetPrice(ctx context.Context, instrument string) (float64, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/prices/"+url.PathEscape(instrument), nil)
	if err != nil {
		return 0, fmt.Errorf("gateway: get price %s: %w", instrument, err)
	}
	var pr priceResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return 0, fmt.Errorf("gateway: decode price %s: %w", instrument, err)
	}
	if pr.Price <= 0 {
		return 0, fmt.Errorf("gateway: get price %s: %w", instrument, domain.ErrPriceUnavailable)
	}
	return pr.Price, nil
}

func (c *Client) command(ctx context.Context, method, path string, body any) error {
	respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	var res commandResponse
	if err := json.Unmarshal(respBody, &res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", domain.ErrGatewayRejected, res.ErrorMsg)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers(method, req.URL.Path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. 5xx stays
// unclassified so callers retry it.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrGatewayRejected, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
