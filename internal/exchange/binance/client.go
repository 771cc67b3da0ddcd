package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"

	"main/internal/exchange"
	"main/internal/market"
	"main/pkg/exception"
)

const (
	_binanceBaseUrl    = "https://api.binance.com"
	_binanceBaseUrlAlt = "https://api-gcp.binance.com"

	_defaultCallTimeout = 15 * time.Second
)

// Config carries credentials and tuning for the REST client.
type Config struct {
	APIKey      string        `json:"apiKey"`
	APISecret   string        `json:"apiSecret"`
	BaseURL     string        `json:"baseUrl"`
	CallTimeout time.Duration `json:"callTimeout"`
}

// Client is the Binance spot REST delegator. It implements both the
// exchange.Client order boundary and market.Source for quotes.
type Client struct {
	cfg    Config
	client *http.Client
	conn   *exchange.ConnTracker
}

// New creates a Binance client; credentials are required.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, exception.ErrExchangeMissingKeys
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = _binanceBaseUrl
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = _defaultCallTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		client: httpClient,
		conn:   exchange.NewConnTracker(),
	}, nil
}

// Conn exposes the connection state machine.
func (c *Client) Conn() *exchange.ConnTracker {
	return c.conn
}

// Connect verifies reachability and credentials via the account endpoint.
func (c *Client) Connect(ctx context.Context) error {
	c.conn.SetConnecting()
	if _, err := c.Balances(ctx); err != nil {
		c.conn.SetErrored(err)
		return err
	}
	c.conn.SetConnected()
	return nil
}

type placeOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	Fills         []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	var result exchange.OrderResult
	if !c.conn.Connected() {
		return result, exception.ErrExchangeNotConnected
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.Price.Sign() > 0 {
		params.Set("price", req.Price.String())
	}
	if req.StopPrice.Sign() > 0 {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", req.TimeInForce)
	}

	body, err := c.signedCall(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return result, err
	}

	var data placeOrderResponse
	if err := sonic.ConfigFastest.Unmarshal(body, &data); err != nil {
		return result, yerrors.Wrap(exception.ErrExchangeDecodeResponse, err.Error())
	}
	if data.OrderID == 0 {
		return result, exception.ErrExchangeEmptyOrderID
	}

	result.ExchangeOrderID = strconv.FormatInt(data.OrderID, 10)
	result.Status = data.Status
	result.ExecutedQty, _ = decimal.NewFromString(data.ExecutedQty)
	var value, qty decimal.Decimal
	for _, fill := range data.Fills {
		p, _ := decimal.NewFromString(fill.Price)
		q, _ := decimal.NewFromString(fill.Qty)
		result.Fills = append(result.Fills, exchange.Fill{Price: p, Quantity: q})
		value = value.Add(p.Mul(q))
		qty = qty.Add(q)
	}
	if qty.Sign() > 0 {
		result.AvgPrice = value.Div(qty)
	}
	return result, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if !c.conn.Connected() {
		return exception.ErrExchangeNotConnected
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	_, err := c.signedCall(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

type queryOrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	Price       string `json:"price"`
}

func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	var result exchange.OrderResult
	if !c.conn.Connected() {
		return result, exception.ErrExchangeNotConnected
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := c.signedCall(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return result, err
	}
	var data queryOrderResponse
	if err := sonic.ConfigFastest.Unmarshal(body, &data); err != nil {
		return result, yerrors.Wrap(exception.ErrExchangeDecodeResponse, err.Error())
	}
	result.ExchangeOrderID = strconv.FormatInt(data.OrderID, 10)
	result.Status = data.Status
	result.ExecutedQty, _ = decimal.NewFromString(data.ExecutedQty)
	result.AvgPrice, _ = decimal.NewFromString(data.Price)
	return result, nil
}

type accountResponse struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
}

func (c *Client) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	params := url.Values{}
	body, err := c.signedCall(ctx, http.MethodGet, "/api/v3/account", params)
	if err != nil {
		return nil, err
	}
	var data accountResponse
	if err := sonic.ConfigFastest.Unmarshal(body, &data); err != nil {
		return nil, yerrors.Wrap(exception.ErrExchangeDecodeResponse, err.Error())
	}
	balances := make(map[string]decimal.Decimal, len(data.Balances))
	for _, b := range data.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		if free.Sign() > 0 {
			balances[b.Asset] = free
		}
	}
	return balances, nil
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// Quote fetches the top of book. Returns an error when the exchange has
// no data; a quote is never fabricated.
func (c *Client) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	var quote market.Quote
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.publicCall(ctx, "/api/v3/ticker/bookTicker", params)
	if err != nil {
		return quote, err
	}
	var data bookTickerResponse
	if err := sonic.ConfigFastest.Unmarshal(body, &data); err != nil {
		return quote, yerrors.Wrap(exception.ErrExchangeDecodeResponse, err.Error())
	}
	if data.BidPrice == "" || data.AskPrice == "" {
		return quote, exception.ErrMarketDataUnavailable
	}
	quote.Symbol = data.Symbol
	quote.Bid, _ = decimal.NewFromString(data.BidPrice)
	quote.Ask, _ = decimal.NewFromString(data.AskPrice)
	quote.BidSize, _ = decimal.NewFromString(data.BidQty)
	quote.AskSize, _ = decimal.NewFromString(data.AskQty)
	quote.UpdatedAt = time.Now()
	return quote, nil
}

// VolumeProfile is not served by the REST ticker endpoints.
func (c *Client) VolumeProfile(ctx context.Context, symbol string) ([]market.ProfileLevel, error) {
	return nil, exception.ErrMarketDataUnavailable
}

func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	r, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	return c.do(r)
}

func (c *Client) publicCall(ctx context.Context, path string, params url.Values) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(r)
}

func (c *Client) do(r *http.Request) ([]byte, error) {
	resp, err := c.client.Do(r)
	if err != nil {
		// Timeout means the order may have reached the exchange.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, yerrors.Wrap(exception.ErrExchangeOutcomeUnknown, err.Error())
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, yerrors.Wrap(exception.ErrExchangeRejected, strings.TrimSpace(string(body)))
	}
	return body, nil
}
