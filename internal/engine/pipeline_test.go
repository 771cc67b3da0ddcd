package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/dedup"
	"main/internal/exec"
	"main/internal/market"
	"main/internal/obs"
	"main/internal/order"
	"main/internal/exchange/paper"
	"main/internal/ratelimit"
	"main/internal/risk"
	"main/internal/store"
)

type staticValuer struct {
	value decimal.Decimal
	err   error
}

func (v staticValuer) PortfolioValue(context.Context) (decimal.Decimal, error) {
	return v.value, v.err
}

type passRisk struct {
	deny   bool
	reason string
}

func (r passRisk) Evaluate(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (risk.Decision, error) {
	if r.deny {
		return risk.Decision{Reason: r.reason, Message: "blocked"}, nil
	}
	return risk.Decision{Approved: true, Reason: risk.ReasonApproved}, nil
}

func (passRisk) ApplyFill(symbol, side string, quantity, price decimal.Decimal) {}

type passRate struct{}

func (passRate) CanPlace(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (ratelimit.Verdict, error) {
	return ratelimit.Verdict{Allowed: true, Reason: ratelimit.ReasonApproved, Signature: "sig"}, nil
}

func (passRate) Record(ctx context.Context, signature string, success bool, symbol string, attemptErr error) error {
	return nil
}

type pipeRig struct {
	venue    *paper.Venue
	manager  *order.Manager
	engine   *exec.Engine
	metrics  *obs.Metrics
	valuer   staticValuer
	pipeline *Pipeline
}

func newPipeRig(t *testing.T, riskGate order.RiskGate, withExec bool) *pipeRig {
	t.Helper()
	venue := paper.NewVenue()
	venue.SetQuote(market.Quote{
		Symbol:    "BTCUSDT",
		Bid:       decimal.NewFromInt(49990),
		Ask:       decimal.NewFromInt(50010),
		BidSize:   decimal.NewFromInt(10),
		AskSize:   decimal.NewFromInt(10),
		UpdatedAt: time.Now(),
	})
	if riskGate == nil {
		riskGate = passRisk{}
	}
	manager, err := order.NewManager(order.Config{}, venue, venue, riskGate, passRate{}, nil)
	require.NoError(t, err)

	var execEngine *exec.Engine
	if withExec {
		execEngine, err = exec.NewEngine(exec.Config{
			SliceWait:   time.Millisecond,
			LowFillWait: time.Millisecond,
		}, manager, venue, venue)
		require.NoError(t, err)
	}

	deduper := dedup.NewDeduplicator(dedup.Config{}, store.NewMemory())
	metrics := obs.NewMetrics()
	valuer := staticValuer{value: decimal.NewFromInt(100000)}
	pipeline, err := NewPipeline(Config{}, deduper, manager, execEngine, valuer, metrics)
	require.NoError(t, err)

	return &pipeRig{
		venue:    venue,
		manager:  manager,
		engine:   execEngine,
		metrics:  metrics,
		valuer:   valuer,
		pipeline: pipeline,
	}
}

func buySignal(confidence float64) dedup.Signal {
	return dedup.Signal{
		Symbol:      "BTCUSDT",
		Action:      "BUY",
		Confidence:  confidence,
		EntryPrice:  decimal.NewFromInt(50000),
		StopLoss:    decimal.NewFromInt(49000),
		Target:      decimal.NewFromInt(53000),
		Strategy:    "momentum",
		GeneratedAt: time.Now(),
	}
}

func TestHighConvictionSignalFormsBracket(t *testing.T) {
	rig := newPipeRig(t, nil, false)
	ctx := context.Background()

	outcomes, err := rig.pipeline.ProcessSignals(ctx, []dedup.Signal{buySignal(0.9)})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Accepted)

	b, err := rig.manager.Bracket(outcomes[0].OrderID)
	require.NoError(t, err)
	assert.True(t, b.Active)
	require.NotNil(t, b.StopLoss)
	require.NotNil(t, b.TakeProfit)

	// 100000 * 0.05 * 0.9 / 50000
	assert.True(t, b.Entry.Quantity.Equal(decimal.NewFromFloat(0.09)),
		"got quantity %s", b.Entry.Quantity)

	s := rig.metrics.Snapshot()
	assert.Equal(t, uint64(1), s.SignalsReceived)
	assert.Equal(t, uint64(1), s.OrdersSubmitted)
}

func TestWorkedSignalQueuesExecutionWithExits(t *testing.T) {
	rig := newPipeRig(t, nil, true)
	ctx := context.Background()

	outcomes, err := rig.pipeline.ProcessSignals(ctx, []dedup.Signal{buySignal(0.7)})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Accepted)

	assert.Equal(t, 1, rig.engine.Pending())

	conditionals := rig.manager.Conditionals()
	require.Len(t, conditionals, 2)
	kinds := map[order.ConditionKind]decimal.Decimal{}
	for _, c := range conditionals {
		assert.Equal(t, order.SideSell, c.Request.Side)
		assert.Equal(t, outcomes[0].OrderID, c.ArmOrderID)
		kinds[c.Kind] = c.Threshold
	}
	assert.True(t, kinds[order.ConditionPriceBelow].Equal(decimal.NewFromInt(49000)))
	assert.True(t, kinds[order.ConditionPriceAbove].Equal(decimal.NewFromInt(53000)))

	// Stop and target are legs of one plan: shared group, dormant
	// until the entry fills.
	require.NotEmpty(t, conditionals[0].OCOGroup)
	assert.Equal(t, conditionals[0].OCOGroup, conditionals[1].OCOGroup)
}

func TestRiskRejectionSurfacesReason(t *testing.T) {
	rig := newPipeRig(t, passRisk{deny: true, reason: risk.ReasonPositionSize}, false)
	ctx := context.Background()

	outcomes, err := rig.pipeline.ProcessSignals(ctx, []dedup.Signal{buySignal(0.9)})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Accepted)
	assert.Equal(t, risk.ReasonPositionSize, outcomes[0].Reason)

	s := rig.metrics.Snapshot()
	assert.Equal(t, uint64(1), s.OrdersRejected)
	assert.Equal(t, uint64(1), s.RejectReasons[risk.ReasonPositionSize])
}

func TestExecutedSignalBlocksRepeatBatch(t *testing.T) {
	rig := newPipeRig(t, nil, false)
	ctx := context.Background()

	first, err := rig.pipeline.ProcessSignals(ctx, []dedup.Signal{buySignal(0.9)})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.True(t, first[0].Accepted)

	second, err := rig.pipeline.ProcessSignals(ctx, []dedup.Signal{buySignal(0.9)})
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestSizingFailsClosedWithoutValuation(t *testing.T) {
	rig := newPipeRig(t, nil, false)
	ctx := context.Background()

	deduper := dedup.NewDeduplicator(dedup.Config{}, store.NewMemory())
	pipeline, err := NewPipeline(Config{}, deduper, rig.manager, nil,
		staticValuer{err: context.DeadlineExceeded}, rig.metrics)
	require.NoError(t, err)

	outcomes, err := pipeline.ProcessSignals(ctx, []dedup.Signal{buySignal(0.9)})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Accepted)
	assert.Equal(t, "SIZING_FAILED", outcomes[0].Reason)
}

func TestNewPipelineRequiresCoreComponents(t *testing.T) {
	_, err := NewPipeline(Config{}, nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
