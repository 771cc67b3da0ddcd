package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/market"
	"main/pkg/exception"
)

// BalanceValuer prices account balances against live quotes to produce
// the portfolio value the risk gate divides by. Assets without a quote
// are skipped rather than guessed at.
type BalanceValuer struct {
	client Client
	source market.Source
	quote  string
}

// NewBalanceValuer creates a valuer denominated in the quote asset,
// e.g. "USDT".
func NewBalanceValuer(client Client, source market.Source, quote string) (*BalanceValuer, error) {
	if client == nil || source == nil {
		return nil, exception.ErrNilInstance
	}
	if quote == "" {
		return nil, exception.ErrInvalidArgument
	}
	return &BalanceValuer{client: client, source: source, quote: quote}, nil
}

// PortfolioValue sums the quote-denominated value of all balances.
func (v *BalanceValuer) PortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	balances, err := v.client.Balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for asset, free := range balances {
		if free.Sign() <= 0 {
			continue
		}
		if asset == v.quote {
			total = total.Add(free)
			continue
		}
		q, err := v.source.Quote(ctx, asset+v.quote)
		if err != nil {
			logs.Warnf("valuation skipped %s: %v", asset, err)
			continue
		}
		total = total.Add(free.Mul(q.Mid()))
	}
	return total, nil
}
