package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/pkg/exception"
)

// Reason codes carried by every decision.
const (
	ReasonApproved          = "APPROVED"
	ReasonPositionSize      = "POSITION_SIZE_EXCEEDED"
	ReasonEmergencyMode     = "EMERGENCY_MODE_ACTIVE"
	ReasonCorrelation       = "CORRELATION_LIMIT_EXCEEDED"
	ReasonConcentration     = "CONCENTRATION_LIMIT_EXCEEDED"
	ReasonMaxOpenPositions  = "MAX_OPEN_POSITIONS_EXCEEDED"
	ReasonDailyLossExceeded = "DAILY_LOSS_LIMIT_EXCEEDED"
)

// Valuer reports the real portfolio value. The gate never substitutes a
// placeholder when it is unavailable.
type Valuer interface {
	PortfolioValue(ctx context.Context) (decimal.Decimal, error)
}

// Decision is the outcome of one Evaluate call.
type Decision struct {
	Approved          bool
	Reason            string
	Message           string
	RiskScore         float64
	PositionFraction  float64
	CorrelationRisk   float64
	ConcentrationRisk float64
}

// Snapshot is the periodically recomputed portfolio risk picture.
type Snapshot struct {
	Exposure             float64
	VaR                  float64
	MaxDrawdown          float64
	CorrelationRisk      float64
	ConcentrationRisk    float64
	VolatilityRisk       float64
	BlackSwanProbability float64
	UpdatedAt            time.Time
}

// Alert is one raised risk warning.
type Alert struct {
	Kind     string
	Detail   string
	Severity string
	At       time.Time
}

const alertCap = 64

// Gate evaluates proposed trades against portfolio limits and runs the
// background snapshot loop that drives emergency mode.
type Gate struct {
	limits Limits
	valuer Valuer
	corr   CorrelationSource
	scorer Scorer
	now    func() time.Time

	mu        sync.RWMutex
	positions map[string]Position
	prices    map[string][]float64
	dailyPnL  decimal.Decimal
	dailyDay  string
	snapshot  Snapshot
	values    []float64 // portfolio value samples for drawdown
	alerts    []Alert
	emergency bool

	running              atomic.Bool
	done                 chan struct{}
	checksPerformed      atomic.Int64
	tradesBlocked        atomic.Int64
	emergencyActivations atomic.Int64
}

func NewGate(limits Limits, valuer Valuer, corr CorrelationSource, scorer Scorer) (*Gate, error) {
	if valuer == nil {
		return nil, exception.ErrRiskNilValuer
	}
	if corr == nil {
		corr = DefaultCorrelations()
	}
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Gate{
		limits:    limits.withDefaults(),
		valuer:    valuer,
		corr:      corr,
		scorer:    scorer,
		now:       time.Now,
		positions: make(map[string]Position),
		prices:    make(map[string][]float64),
		done:      make(chan struct{}),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Evaluate runs the ordered limit checks for a proposed trade and
// short-circuits on the first failure. A missing portfolio valuation is
// an error, never an implicit approval or a made-up denominator.
func (g *Gate) Evaluate(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (Decision, error) {
	g.checksPerformed.Add(1)

	value, err := g.valuer.PortfolioValue(ctx)
	if err != nil {
		return Decision{}, yerrors.Wrap(exception.ErrRiskNoValuation, err.Error())
	}
	if value.Sign() <= 0 {
		return Decision{}, exception.ErrRiskNoValuation
	}

	tradeValue := quantity.Mul(price)
	fraction, _ := tradeValue.Div(value).Float64()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(g.now())

	if fraction > g.limits.MaxPositionSize {
		return g.blockLocked(Decision{
			Reason:           ReasonPositionSize,
			Message:          fmt.Sprintf("position size %.1f%% exceeds limit %.1f%%", fraction*100, g.limits.MaxPositionSize*100),
			RiskScore:        1,
			PositionFraction: fraction,
		}), nil
	}

	if g.emergency {
		return g.blockLocked(Decision{
			Reason:           ReasonEmergencyMode,
			Message:          "emergency mode active, trading suspended",
			RiskScore:        1,
			PositionFraction: fraction,
		}), nil
	}

	corrRisk := g.correlationRiskLocked(symbol, tradeValue, value)
	if corrRisk > g.limits.MaxCorrelation {
		return g.blockLocked(Decision{
			Reason:           ReasonCorrelation,
			Message:          fmt.Sprintf("correlation risk %.1f%% exceeds limit %.1f%%", corrRisk*100, g.limits.MaxCorrelation*100),
			RiskScore:        corrRisk,
			PositionFraction: fraction,
			CorrelationRisk:  corrRisk,
		}), nil
	}

	concentration := g.concentrationLocked(symbol, tradeValue, value)
	if concentration > g.limits.MaxConcentration {
		return g.blockLocked(Decision{
			Reason:            ReasonConcentration,
			Message:           fmt.Sprintf("concentration %.1f%% exceeds limit %.1f%%", concentration*100, g.limits.MaxConcentration*100),
			RiskScore:         concentration,
			PositionFraction:  fraction,
			CorrelationRisk:   corrRisk,
			ConcentrationRisk: concentration,
		}), nil
	}

	if _, held := g.positions[symbol]; !held && len(g.positions) >= g.limits.MaxOpenPositions {
		return g.blockLocked(Decision{
			Reason:           ReasonMaxOpenPositions,
			Message:          fmt.Sprintf("open positions at limit %d", g.limits.MaxOpenPositions),
			RiskScore:        1,
			PositionFraction: fraction,
		}), nil
	}

	lossFraction, _ := g.dailyPnL.Div(value).Float64()
	if lossFraction < -g.limits.MaxDailyLoss {
		return g.blockLocked(Decision{
			Reason:           ReasonDailyLossExceeded,
			Message:          fmt.Sprintf("daily loss %.1f%% exceeds limit %.1f%%", -lossFraction*100, g.limits.MaxDailyLoss*100),
			RiskScore:        math.Abs(lossFraction),
			PositionFraction: fraction,
		}), nil
	}

	return Decision{
		Approved:          true,
		Reason:            ReasonApproved,
		RiskScore:         math.Max(fraction, math.Max(corrRisk, concentration)),
		PositionFraction:  fraction,
		CorrelationRisk:   corrRisk,
		ConcentrationRisk: concentration,
	}, nil
}

func (g *Gate) blockLocked(d Decision) Decision {
	g.tradesBlocked.Add(1)
	return d
}

// Start launches the snapshot refresh loop.
func (g *Gate) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return exception.ErrAlreadyStarted
	}
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.limits.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Refresh(ctx)
			}
		}
	}()
	return nil
}

// Close waits for the snapshot loop to exit. The loop itself stops via
// the Start context.
func (g *Gate) Close() {
	if g.running.Load() {
		<-g.done
	}
}

// Refresh recomputes the risk snapshot and applies the emergency mode
// transition. Skipped when no real valuation is available.
func (g *Gate) Refresh(ctx context.Context) {
	value, err := g.valuer.PortfolioValue(ctx)
	if err != nil || value.Sign() <= 0 {
		logs.Warnf("risk snapshot skipped, no portfolio valuation: %v", err)
		return
	}
	v, _ := value.Float64()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.values = append(g.values, v)
	if len(g.values) > priceHistoryCap {
		g.values = g.values[len(g.values)-priceHistoryCap:]
	}

	snap := Snapshot{
		Exposure:          g.exposureLocked(v),
		VaR:               g.varLocked(v),
		MaxDrawdown:       drawdown(g.values),
		CorrelationRisk:   g.portfolioCorrelationLocked(),
		ConcentrationRisk: g.herfindahlLocked(v),
		VolatilityRisk:    g.volatilityLocked(),
		UpdatedAt:         g.now(),
	}
	snap.BlackSwanProbability = g.scorer.BlackSwanProbability(snap)
	g.snapshot = snap

	g.applyEmergencyLocked(snap)
	g.checkAlertsLocked(snap)
}

// applyEmergencyLocked is the only place emergency mode flips. Set at
// the threshold, cleared with hysteresis at 0.8x to stop flapping.
func (g *Gate) applyEmergencyLocked(snap Snapshot) {
	p := snap.BlackSwanProbability
	switch {
	case p > g.limits.EmergencyThreshold && !g.emergency:
		g.emergency = true
		g.emergencyActivations.Add(1)
		g.alertLocked("emergency_mode", fmt.Sprintf("black swan probability %.2f", p), "HIGH")
		logs.Errorf("emergency mode activated, black swan probability %.2f", p)
	case p < g.limits.EmergencyThreshold*0.8 && g.emergency:
		g.emergency = false
		logs.Warn("emergency mode deactivated")
	}
	if p > g.limits.BlackSwanThreshold {
		g.alertLocked("black_swan_warning", fmt.Sprintf("probability %.2f", p), "HIGH")
	}
}

func (g *Gate) checkAlertsLocked(snap Snapshot) {
	if snap.CorrelationRisk > g.limits.MaxCorrelation {
		g.alertLocked("risk_warning", fmt.Sprintf("correlation risk %.1f%%", snap.CorrelationRisk*100), "MEDIUM")
	}
	if snap.ConcentrationRisk > g.limits.MaxConcentration {
		g.alertLocked("risk_warning", fmt.Sprintf("concentration risk %.1f%%", snap.ConcentrationRisk*100), "MEDIUM")
	}
	if snap.Exposure > g.limits.PortfolioHeat {
		g.alertLocked("risk_warning", fmt.Sprintf("exposure %.1f%%", snap.Exposure*100), "MEDIUM")
	}
}

func (g *Gate) alertLocked(kind, detail, severity string) {
	g.alerts = append(g.alerts, Alert{Kind: kind, Detail: detail, Severity: severity, At: g.now()})
	if len(g.alerts) > alertCap {
		g.alerts = g.alerts[len(g.alerts)-alertCap:]
	}
}

// EmergencyMode reports whether new trades are globally blocked.
func (g *Gate) EmergencyMode() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.emergency
}

// Snapshot returns the latest computed snapshot.
func (g *Gate) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

// Alerts returns a copy of the retained alerts.
func (g *Gate) Alerts() []Alert {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Alert, len(g.alerts))
	copy(out, g.alerts)
	return out
}

// Report summarizes gate activity.
type Report struct {
	ChecksPerformed      int64
	TradesBlocked        int64
	EmergencyActivations int64
	EmergencyMode        bool
	OpenPositions        int
	DailyPnL             decimal.Decimal
	Snapshot             Snapshot
}

func (g *Gate) Report() Report {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Report{
		ChecksPerformed:      g.checksPerformed.Load(),
		TradesBlocked:        g.tradesBlocked.Load(),
		EmergencyActivations: g.emergencyActivations.Load(),
		EmergencyMode:        g.emergency,
		OpenPositions:        len(g.positions),
		DailyPnL:             g.dailyPnL,
		Snapshot:             g.snapshot,
	}
}

// correlationRiskLocked is the volume-weighted average correlation of
// the proposed symbol against current holdings, scaled up by the new
// trade's own weight.
func (g *Gate) correlationRiskLocked(symbol string, tradeValue, portfolio decimal.Decimal) float64 {
	if len(g.positions) == 0 {
		return 0
	}
	var total, weight float64
	for held, pos := range g.positions {
		if held == symbol {
			continue
		}
		w, _ := pos.Value().Div(portfolio).Float64()
		total += g.corr.Correlation(symbol, held) * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	tradeWeight, _ := tradeValue.Div(portfolio).Float64()
	adjusted := (total / weight) * (1 + tradeWeight)
	return math.Min(1, math.Abs(adjusted))
}

func (g *Gate) concentrationLocked(symbol string, tradeValue, portfolio decimal.Decimal) float64 {
	current := decimal.Zero
	if pos, ok := g.positions[symbol]; ok {
		current = pos.Value()
	}
	c, _ := current.Add(tradeValue).Div(portfolio).Float64()
	return c
}

func (g *Gate) exposureLocked(portfolio float64) float64 {
	total := 0.0
	for _, pos := range g.positions {
		v, _ := pos.Value().Float64()
		total += v
	}
	return total / portfolio
}

func (g *Gate) portfolioCorrelationLocked() float64 {
	symbols := make([]string, 0, len(g.positions))
	for s := range g.positions {
		symbols = append(symbols, s)
	}
	if len(symbols) < 2 {
		return 0
	}
	sort.Strings(symbols)
	var sum float64
	var n int
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			sum += math.Abs(g.corr.Correlation(symbols[i], symbols[j]))
			n++
		}
	}
	return sum / float64(n)
}

func (g *Gate) herfindahlLocked(portfolio float64) float64 {
	var index float64
	for _, pos := range g.positions {
		v, _ := pos.Value().Float64()
		w := v / portfolio
		index += w * w
	}
	return index
}

// volatilityLocked averages per-symbol return volatility, annualized to
// a daily figure and normalized against a 20% ceiling.
func (g *Gate) volatilityLocked() float64 {
	var vols []float64
	for _, hist := range g.prices {
		if len(hist) <= 5 {
			continue
		}
		vols = append(vols, stddev(returns(hist))*math.Sqrt(1440))
	}
	if len(vols) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vols {
		sum += v
	}
	return math.Min(1, (sum/float64(len(vols)))/0.20)
}

// varLocked is a historical-simulation 95% VaR over position-weighted
// returns, as a fraction of portfolio value.
func (g *Gate) varLocked(portfolio float64) float64 {
	var samples []float64
	for symbol, pos := range g.positions {
		hist := g.prices[symbol]
		if len(hist) < 2 {
			continue
		}
		value, _ := pos.Value().Float64()
		for _, r := range returns(hist) {
			samples = append(samples, r*value)
		}
	}
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	idx := len(samples) * 5 / 100
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return math.Abs(samples[idx]) / portfolio
}

func returns(prices []float64) []float64 {
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			out = append(out, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	return out
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func drawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	peak := values[0]
	maxDD := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
