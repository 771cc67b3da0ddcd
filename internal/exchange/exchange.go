package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderRequest is a normalized order submission at the exchange boundary.
// Side/Type carry exchange wire values ("BUY", "LIMIT", ...); the order
// manager converts from its own enums before crossing this boundary.
type OrderRequest struct {
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   string
	ClientOrderID string
}

// Fill is one execution reported by the exchange.
type Fill struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderResult is the exchange's view of an order after a call.
type OrderResult struct {
	ExchangeOrderID string
	Status          string
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Fills           []Fill
}

// Client is the exchange connectivity boundary. Every call is
// request/response with an explicit error; success is never assumed
// without a response. Implementations wrap timeouts into
// exception.ErrExchangeOutcomeUnknown so callers reconcile via
// QueryOrder instead of blindly retrying.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)
}
