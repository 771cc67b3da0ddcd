package risk

import "time"

// Limits are the portfolio-level risk limits. Ratios are fractions of
// portfolio value.
type Limits struct {
	MaxPositionSize    float64       `json:"maxPositionSize"`
	MaxDailyLoss       float64       `json:"maxDailyLoss"`
	MaxCorrelation     float64       `json:"maxCorrelation"`
	MaxConcentration   float64       `json:"maxConcentration"`
	MaxOpenPositions   int           `json:"maxOpenPositions"`
	PortfolioHeat      float64       `json:"portfolioHeat"`
	BlackSwanThreshold float64       `json:"blackSwanThreshold"`
	EmergencyThreshold float64       `json:"emergencyThreshold"`
	SnapshotInterval   time.Duration `json:"snapshotInterval"`
}

func (l Limits) withDefaults() Limits {
	if l.MaxPositionSize <= 0 {
		l.MaxPositionSize = 0.10
	}
	if l.MaxDailyLoss <= 0 {
		l.MaxDailyLoss = 0.02
	}
	if l.MaxCorrelation <= 0 {
		l.MaxCorrelation = 0.70
	}
	if l.MaxConcentration <= 0 {
		l.MaxConcentration = 0.25
	}
	if l.MaxOpenPositions <= 0 {
		l.MaxOpenPositions = 10
	}
	if l.PortfolioHeat <= 0 {
		l.PortfolioHeat = 1.5
	}
	if l.BlackSwanThreshold <= 0 {
		l.BlackSwanThreshold = 0.60
	}
	if l.EmergencyThreshold <= 0 {
		l.EmergencyThreshold = 0.80
	}
	if l.SnapshotInterval <= 0 {
		l.SnapshotInterval = time.Minute
	}
	return l
}
