package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"main/pkg/exception"
)

// Quote is a point-in-time view of the top of book for a symbol.
type Quote struct {
	Symbol     string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BidSize    decimal.Decimal
	AskSize    decimal.Decimal
	Volatility decimal.Decimal
	UpdatedAt  time.Time
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns the absolute bid/ask spread.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// VisibleLiquidity returns the sum of displayed size on both sides.
func (q Quote) VisibleLiquidity() decimal.Decimal {
	return q.BidSize.Add(q.AskSize)
}

// LiquidityScore normalizes visible liquidity to [0,1] against ref size.
func (q Quote) LiquidityScore(ref decimal.Decimal) float64 {
	if ref.Sign() <= 0 {
		return 0
	}
	score, _ := q.VisibleLiquidity().Div(ref).Float64()
	if score > 1 {
		return 1
	}
	return score
}

// ProfileLevel is one price level of a volume profile.
type ProfileLevel struct {
	Price  decimal.Decimal
	Weight decimal.Decimal
}

// Source provides live quotes and volume profiles. Implementations must
// return an error instead of a synthetic quote when no real data exists.
type Source interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
	VolumeProfile(ctx context.Context, symbol string) ([]ProfileLevel, error)
}

// Fresh rejects a quote older than maxAge.
func Fresh(q Quote, now time.Time, maxAge time.Duration) error {
	if q.UpdatedAt.IsZero() || now.Sub(q.UpdatedAt) > maxAge {
		return exception.ErrMarketDataStale
	}
	return nil
}
