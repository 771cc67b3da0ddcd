package dedup

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is one externally produced trading signal. It is consumed
// exactly once: Process either rejects it or stamps it for execution.
type Signal struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Action      string          `json:"action"` // "BUY", "SELL"
	Confidence  float64         `json:"confidence"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	StopLoss    decimal.Decimal `json:"stopLoss"`
	Target      decimal.Decimal `json:"target"`
	Strategy    string          `json:"strategy"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Rank        int             `json:"rank"`
}

// RiskReward returns reward/risk for the signal, or 0 when either side
// is non-positive.
func (s Signal) RiskReward() float64 {
	var risk, reward decimal.Decimal
	if s.Action == "BUY" {
		risk = s.EntryPrice.Sub(s.StopLoss)
		reward = s.Target.Sub(s.EntryPrice)
	} else {
		risk = s.StopLoss.Sub(s.EntryPrice)
		reward = s.EntryPrice.Sub(s.Target)
	}
	if risk.Sign() <= 0 || reward.Sign() <= 0 {
		return 0
	}
	ratio, _ := reward.Div(risk).Float64()
	return ratio
}

func (s Signal) complete() bool {
	return s.Symbol != "" && s.Action != "" &&
		s.EntryPrice.Sign() > 0 && s.StopLoss.Sign() > 0 && s.Target.Sign() > 0
}
