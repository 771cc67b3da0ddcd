package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the gate's view of a held symbol. Quantity is always
// non-negative; a fully closed position is removed from the book.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgPrice      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}

func (p Position) Value() decimal.Decimal {
	return p.Quantity.Mul(p.AvgPrice).Abs()
}

// ApplyFill folds a fill into the position book and rolls realized P&L
// into the daily total. Buys blend into the average price; sells
// realize (fill - avg) * qty.
func (g *Gate) ApplyFill(symbol, side string, quantity, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollDayLocked(now)

	pos := g.positions[symbol]
	pos.Symbol = symbol
	switch side {
	case "BUY":
		cost := pos.Quantity.Mul(pos.AvgPrice).Add(quantity.Mul(price))
		pos.Quantity = pos.Quantity.Add(quantity)
		if pos.Quantity.Sign() > 0 {
			pos.AvgPrice = cost.Div(pos.Quantity)
		} else {
			pos.AvgPrice = price
		}
	case "SELL":
		sold := decimal.Min(quantity, pos.Quantity)
		g.dailyPnL = g.dailyPnL.Add(price.Sub(pos.AvgPrice).Mul(sold))
		pos.Quantity = pos.Quantity.Sub(quantity)
		if pos.Quantity.Sign() <= 0 {
			delete(g.positions, symbol)
			g.observePriceLocked(symbol, price)
			return
		}
	}
	pos.UnrealizedPnL = price.Sub(pos.AvgPrice).Mul(pos.Quantity)
	pos.UpdatedAt = now
	g.positions[symbol] = pos
	g.observePriceLocked(symbol, price)
}

// ObservePrice feeds a market price into the per-symbol history used by
// the volatility and VaR calculations.
func (g *Gate) ObservePrice(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observePriceLocked(symbol, price)
}

const priceHistoryCap = 256

func (g *Gate) observePriceLocked(symbol string, price decimal.Decimal) {
	p, _ := price.Float64()
	if p <= 0 {
		return
	}
	hist := append(g.prices[symbol], p)
	if len(hist) > priceHistoryCap {
		hist = hist[len(hist)-priceHistoryCap:]
	}
	g.prices[symbol] = hist
}

// Positions returns a copy of the book.
func (g *Gate) Positions() map[string]Position {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Position, len(g.positions))
	for k, v := range g.positions {
		out[k] = v
	}
	return out
}

func (g *Gate) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if g.dailyDay != day {
		g.dailyDay = day
		g.dailyPnL = decimal.Zero
	}
}
