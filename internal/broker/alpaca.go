package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AlpacaClient implements Client against the Alpaca v2 REST API, always
// pointed at a paper account. Trading and market data live on separate
// hosts.
type AlpacaClient struct {
	http      *http.Client
	baseURL   string
	dataURL   string
	apiKey    string
	apiSecret string
}

// NewAlpacaClient creates a broker client. The HTTP client carries a
// timeout so a stalled broker cannot stall the reconciliation loop.
func NewAlpacaClient(baseURL, dataURL, apiKey, apiSecret string) *AlpacaClient {
	return &AlpacaClient{
		http:      &http.Client{Timeout: 10 * time.Second},
		baseURL:   strings.TrimRight(baseURL, "/"),
		dataURL:   strings.TrimRight(dataURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// wireOrder is the broker's order JSON. Numeric fields arrive as strings
// and may be null before a fill.
type wireOrder struct {
	ID             string     `json:"id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Status         string     `json:"status"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	FilledQty      *string    `json:"filled_qty"`
	FilledAt       *time.Time `json:"filled_at"`
}

func (w *wireOrder) toOrder() Order {
	o := Order{
		ID:       w.ID,
		Symbol:   w.Symbol,
		Side:     w.Side,
		Status:   w.Status,
		FilledAt: w.FilledAt,
	}
	if w.FilledAvgPrice != nil {
		o.FilledAvgPrice, _ = decimal.NewFromString(*w.FilledAvgPrice)
	}
	if w.FilledQty != nil {
		o.FilledQty, _ = decimal.NewFromString(*w.FilledQty)
	}
	return o
}

func (c *AlpacaClient) SubmitOrder(ctx context.Context, spec OrderSpec) (*Order, error) {
	body := map[string]string{
		"symbol":        spec.Symbol,
		"qty":           spec.Qty.String(),
		"side":          spec.Side,
		"type":          spec.Type,
		"time_in_force": spec.TimeInForce,
	}
	if spec.LimitPrice != nil {
		body["limit_price"] = spec.LimitPrice.String()
	}

	var w wireOrder
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v2/orders", body, &w); err != nil {
		return nil, fmt.Errorf("submit order %s %s: %w", spec.Side, spec.Symbol, err)
	}
	o := w.toOrder()
	return &o, nil
}

func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.do(ctx, http.MethodDelete, c.baseURL+"/v2/orders/"+orderID, nil, nil); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

func (c *AlpacaClient) ListClosedOrders(ctx context.Context, p ListClosedParams) ([]Order, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	q := url.Values{}
	q.Set("status", "closed")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("direction", "asc")
	q.Set("after", p.After.UTC().Format(time.RFC3339))

	var wires []wireOrder
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v2/orders?"+q.Encode(), nil, &wires); err != nil {
		return nil, fmt.Errorf("list closed orders: %w", err)
	}

	orders := make([]Order, 0, len(wires))
	for i := range wires {
		orders = append(orders, wires[i].toOrder())
	}
	return orders, nil
}

func (c *AlpacaClient) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp struct {
		Trade struct {
			Price json.Number `json:"p"`
		} `json:"trade"`
	}
	u := c.dataURL + "/v2/stocks/" + url.PathEscape(symbol) + "/trades/latest"
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("latest price %s: %w", symbol, err)
	}

	price, err := decimal.NewFromString(resp.Trade.Price.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price available for %s", symbol)
	}
	return price, nil
}

func (c *AlpacaClient) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return prices, nil
	}

	var resp struct {
		Trades map[string]struct {
			Price json.Number `json:"p"`
		} `json:"trades"`
	}
	u := c.dataURL + "/v2/stocks/trades/latest?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("latest prices: %w", err)
	}

	for sym, t := range resp.Trades {
		if price, err := decimal.NewFromString(t.Price.String()); err == nil && price.IsPositive() {
			prices[sym] = price
		}
	}
	return prices, nil
}

func (c *AlpacaClient) do(ctx context.Context, method, u string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
