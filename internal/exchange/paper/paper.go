package paper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"main/internal/exchange"
	"main/internal/market"
	"main/pkg/exception"
)

// Venue simulates an exchange against caller-provided quotes. It exists
// for tooling and tests; it never invents a price on its own, so an
// order for a symbol without a posted quote fails the same way a live
// venue with no market data would.
type Venue struct {
	mu       sync.Mutex
	quotes   map[string]market.Quote
	profiles map[string][]market.ProfileLevel
	orders   map[string]exchange.OrderResult
	balances map[string]decimal.Decimal
}

// NewVenue creates an empty paper venue.
func NewVenue() *Venue {
	return &Venue{
		quotes:   make(map[string]market.Quote),
		profiles: make(map[string][]market.ProfileLevel),
		orders:   make(map[string]exchange.OrderResult),
		balances: make(map[string]decimal.Decimal),
	}
}

// SetQuote posts the current top of book for a symbol.
func (v *Venue) SetQuote(q market.Quote) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = time.Now()
	}
	v.quotes[q.Symbol] = q
}

// SetVolumeProfile posts a volume profile for a symbol.
func (v *Venue) SetVolumeProfile(symbol string, levels []market.ProfileLevel) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.profiles[symbol] = levels
}

// SetBalance sets a virtual asset balance.
func (v *Venue) SetBalance(asset string, free decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] = free
}

func (v *Venue) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.orders[req.ClientOrderID]; exists {
		return exchange.OrderResult{}, exception.ErrOrderDuplicate
	}

	quote, ok := v.quotes[req.Symbol]
	if !ok {
		return exchange.OrderResult{}, exception.ErrMarketDataUnavailable
	}

	var execPrice, available decimal.Decimal
	if req.Side == "BUY" {
		execPrice, available = quote.Ask, quote.AskSize
	} else {
		execPrice, available = quote.Bid, quote.BidSize
	}

	result := exchange.OrderResult{
		ExchangeOrderID: uuid.NewString(),
		Status:          "NEW",
	}

	crosses := req.Type == "MARKET" ||
		(req.Side == "BUY" && req.Price.GreaterThanOrEqual(execPrice)) ||
		(req.Side == "SELL" && req.Price.LessThanOrEqual(execPrice))
	if crosses {
		filled := decimal.Min(req.Quantity, available)
		if filled.Sign() > 0 {
			result.ExecutedQty = filled
			result.AvgPrice = execPrice
			result.Fills = []exchange.Fill{{Price: execPrice, Quantity: filled}}
			if filled.Equal(req.Quantity) {
				result.Status = "FILLED"
			} else {
				result.Status = "PARTIALLY_FILLED"
			}
		}
	}

	v.orders[req.ClientOrderID] = result
	return result, nil
}

func (v *Venue) CancelOrder(_ context.Context, _, clientOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	result, ok := v.orders[clientOrderID]
	if !ok {
		return exception.ErrOrderUnknown
	}
	if result.Status == "NEW" || result.Status == "PARTIALLY_FILLED" {
		result.Status = "CANCELED"
		v.orders[clientOrderID] = result
	}
	return nil
}

func (v *Venue) QueryOrder(_ context.Context, _, clientOrderID string) (exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	result, ok := v.orders[clientOrderID]
	if !ok {
		return exchange.OrderResult{}, exception.ErrOrderUnknown
	}
	return result, nil
}

func (v *Venue) Balances(_ context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(v.balances))
	for asset, free := range v.balances {
		out[asset] = free
	}
	return out, nil
}

func (v *Venue) Quote(_ context.Context, symbol string) (market.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	quote, ok := v.quotes[symbol]
	if !ok {
		return market.Quote{}, exception.ErrMarketDataUnavailable
	}
	return quote, nil
}

func (v *Venue) VolumeProfile(_ context.Context, symbol string) ([]market.ProfileLevel, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	levels, ok := v.profiles[symbol]
	if !ok || len(levels) == 0 {
		return nil, exception.ErrMarketDataUnavailable
	}
	return levels, nil
}
