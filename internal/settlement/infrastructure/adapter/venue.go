// Package adapter 外部现货撮合场所的 HTTP 客户端适配器
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/spotmargin/internal/settlement/domain"
)

// VenueClient 通过 REST 接口对接撮合场所
type VenueClient struct {
	endpoint string
	client   *http.Client
}

func NewVenueClient(endpoint string, timeout time.Duration) *VenueClient {
	return &VenueClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	MarketID   string          `json:"market_id"`
	Owner      string          `json:"owner"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	PriceLimit decimal.Decimal `json:"price_limit"`
}

type fillResponse struct {
	OrderID     string          `json:"order_id"`
	FilledBase  decimal.Decimal `json:"filled_base"`
	FilledQuote decimal.Decimal `json:"filled_quote"`
	Remaining   decimal.Decimal `json:"remaining"`
}

func (c *VenueClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	body := submitRequest{
		MarketID:   req.MarketID,
		Owner:      req.Owner,
		Side:       req.Side,
		Size:       req.Size,
		PriceLimit: req.PriceLimit,
	}
	var resp fillResponse
	if err := c.post(ctx, "/api/v1/orders", body, &resp); err != nil {
		return domain.Fill{}, err
	}
	return domain.Fill{
		OrderID:     resp.OrderID,
		FilledBase:  resp.FilledBase,
		FilledQuote: resp.FilledQuote,
		Remaining:   resp.Remaining,
	}, nil
}

func (c *VenueClient) CancelOrder(ctx context.Context, marketID, orderID string) (domain.Fill, error) {
	body := map[string]string{"market_id": marketID, "order_id": orderID}
	var resp fillResponse
	if err := c.post(ctx, "/api/v1/orders/cancel", body, &resp); err != nil {
		return domain.Fill{}, err
	}
	return domain.Fill{
		OrderID:     resp.OrderID,
		FilledBase:  resp.FilledBase,
		FilledQuote: resp.FilledQuote,
		Remaining:   resp.Remaining,
	}, nil
}

func (c *VenueClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrUnknownVenueOrder
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", domain.ErrVenueRejected, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", domain.ErrVenueUnavailable, resp.StatusCode)
	}
}
