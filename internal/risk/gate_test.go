package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/pkg/exception"
)

type staticValuer struct {
	value decimal.Decimal
	err   error
}

func (v staticValuer) PortfolioValue(context.Context) (decimal.Decimal, error) {
	return v.value, v.err
}

type fixedScorer struct{ p float64 }

func (s fixedScorer) BlackSwanProbability(Snapshot) float64 { return s.p }

func newTestGate(t *testing.T, limits Limits, portfolio int64) *Gate {
	t.Helper()
	g, err := NewGate(limits, staticValuer{value: decimal.NewFromInt(portfolio)}, nil, nil)
	require.NoError(t, err)
	return g
}

func TestEvaluateApprovesWithinPositionLimit(t *testing.T) {
	g := newTestGate(t, Limits{}, 10000)

	// 0.01 BTC at 50000 is 5% of a 10k portfolio, under the 10% default.
	d, err := g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, ReasonApproved, d.Reason)
	assert.InDelta(t, 0.05, d.PositionFraction, 1e-9)
}

func TestEvaluateRejectsOversizedPosition(t *testing.T) {
	g := newTestGate(t, Limits{}, 10000)

	d, err := g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.05), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonPositionSize, d.Reason)
	assert.Equal(t, 1.0, d.RiskScore)
}

func TestEvaluateFailsClosedWithoutValuation(t *testing.T) {
	g, err := NewGate(Limits{}, staticValuer{err: errors.New("tracker offline")}, nil, nil)
	require.NoError(t, err)

	_, err = g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000))
	require.ErrorIs(t, err, exception.ErrRiskNoValuation)

	g, err = NewGate(Limits{}, staticValuer{value: decimal.Zero}, nil, nil)
	require.NoError(t, err)
	_, err = g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.01), decimal.NewFromInt(50000))
	require.ErrorIs(t, err, exception.ErrRiskNoValuation)
}

func TestNilValuerRejected(t *testing.T) {
	_, err := NewGate(Limits{}, nil, nil, nil)
	require.ErrorIs(t, err, exception.ErrRiskNilValuer)
}

func TestEmergencyModeBlocksAndClears(t *testing.T) {
	g, err := NewGate(Limits{}, staticValuer{value: decimal.NewFromInt(10000)}, nil, fixedScorer{p: 0.9})
	require.NoError(t, err)
	ctx := context.Background()

	g.Refresh(ctx)
	require.True(t, g.EmergencyMode())

	d, err := g.Evaluate(ctx, "BTCUSDT", "BUY", decimal.NewFromFloat(0.01), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonEmergencyMode, d.Reason)

	// Above the 0.8x hysteresis floor the mode holds.
	g.scorer = fixedScorer{p: 0.70}
	g.Refresh(ctx)
	assert.True(t, g.EmergencyMode())

	g.scorer = fixedScorer{p: 0.50}
	g.Refresh(ctx)
	assert.False(t, g.EmergencyMode())
	assert.EqualValues(t, 1, g.Report().EmergencyActivations)
}

func TestCorrelationLimit(t *testing.T) {
	g := newTestGate(t, Limits{}, 10000)
	g.ApplyFill("ETHUSDT", "BUY", decimal.NewFromFloat(0.2), decimal.NewFromInt(3000))

	// BTC vs ETH static correlation 0.8 exceeds the 0.7 default limit.
	d, err := g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.001), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonCorrelation, d.Reason)
}

func TestConcentrationLimit(t *testing.T) {
	g := newTestGate(t, Limits{MaxCorrelation: 0.99}, 10000)
	g.ApplyFill("BTCUSDT", "BUY", decimal.NewFromFloat(0.04), decimal.NewFromInt(50000))

	// Held 2000 plus 600 proposed is 26% of the portfolio.
	d, err := g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.012), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonConcentration, d.Reason)
}

func TestMaxOpenPositions(t *testing.T) {
	g := newTestGate(t, Limits{MaxOpenPositions: 1, MaxCorrelation: 0.99}, 10000)
	g.ApplyFill("ETHUSDT", "BUY", decimal.NewFromFloat(0.1), decimal.NewFromInt(3000))

	d, err := g.Evaluate(context.Background(), "BTCUSDT", "BUY",
		decimal.NewFromFloat(0.001), decimal.NewFromInt(50000))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, ReasonMaxOpenPositions, d.Reason)

	// Adding to the existing symbol is still allowed.
	d, err = g.Evaluate(context.Background(), "ETHUSDT", "BUY",
		decimal.NewFromFloat(0.01), decimal.NewFromInt(3000))
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestDailyLossMonotonicity(t *testing.T) {
	eval := func(maxDailyLoss float64) Decision {
		g := newTestGate(t, Limits{MaxDailyLoss: maxDailyLoss}, 10000)
		// Realize a 250 loss: buy 1 at 1000, sell 1 at 750.
		g.ApplyFill("ETHUSDT", "BUY", decimal.NewFromInt(1), decimal.NewFromInt(1000))
		g.ApplyFill("ETHUSDT", "SELL", decimal.NewFromInt(1), decimal.NewFromInt(750))

		d, err := g.Evaluate(context.Background(), "BTCUSDT", "BUY",
			decimal.NewFromFloat(0.01), decimal.NewFromInt(50000))
		require.NoError(t, err)
		return d
	}

	tight := eval(0.02) // loss 2.5% > 2%
	assert.False(t, tight.Approved)
	assert.Equal(t, ReasonDailyLossExceeded, tight.Reason)

	loose := eval(0.03)
	assert.True(t, loose.Approved)
}

func TestApplyFillAveragesAndRealizes(t *testing.T) {
	g := newTestGate(t, Limits{}, 10000)
	g.ApplyFill("BTCUSDT", "BUY", decimal.NewFromInt(1), decimal.NewFromInt(100))
	g.ApplyFill("BTCUSDT", "BUY", decimal.NewFromInt(1), decimal.NewFromInt(200))

	pos := g.Positions()["BTCUSDT"]
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(150)))

	g.ApplyFill("BTCUSDT", "SELL", decimal.NewFromInt(1), decimal.NewFromInt(300))
	pos = g.Positions()["BTCUSDT"]
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, g.Report().DailyPnL.Equal(decimal.NewFromInt(150)))

	// Closing the position removes it from the book.
	g.ApplyFill("BTCUSDT", "SELL", decimal.NewFromInt(1), decimal.NewFromInt(100))
	_, held := g.Positions()["BTCUSDT"]
	assert.False(t, held)
}

func TestDailyPnLResetsAcrossDays(t *testing.T) {
	g := newTestGate(t, Limits{}, 10000)
	now := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	g.ApplyFill("ETHUSDT", "BUY", decimal.NewFromInt(1), decimal.NewFromInt(1000))
	g.ApplyFill("ETHUSDT", "SELL", decimal.NewFromInt(1), decimal.NewFromInt(900))
	require.True(t, g.Report().DailyPnL.Equal(decimal.NewFromInt(-100)))

	now = now.Add(2 * time.Hour)
	g.ApplyFill("BTCUSDT", "BUY", decimal.NewFromInt(1), decimal.NewFromInt(100))
	assert.True(t, g.Report().DailyPnL.IsZero())
}

func TestSnapshotRefresh(t *testing.T) {
	g := newTestGate(t, Limits{}, 10000)
	g.ApplyFill("BTCUSDT", "BUY", decimal.NewFromFloat(0.01), decimal.NewFromInt(50000))
	g.ApplyFill("ETHUSDT", "BUY", decimal.NewFromFloat(0.1), decimal.NewFromInt(3000))

	g.Refresh(context.Background())
	snap := g.Snapshot()
	assert.InDelta(t, 0.08, snap.Exposure, 1e-9) // 500 + 300 over 10000
	assert.InDelta(t, 0.80, snap.CorrelationRisk, 1e-9)
	assert.Greater(t, snap.BlackSwanProbability, 0.0)
	assert.False(t, snap.UpdatedAt.IsZero())
}
