package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/exchange"
	"main/internal/market"
	"main/internal/obs"
	"main/internal/ratelimit"
	"main/internal/risk"
	"main/pkg/exception"
)

type fakeExchange struct {
	mu          sync.Mutex
	placeErr    error
	placeResult exchange.OrderResult
	queryResult exchange.OrderResult
	queryErr    error
	placeCalls  int
	cancelCalls int
	lastPlaced  exchange.OrderRequest
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	f.lastPlaced = req
	return f.placeResult, f.placeErr
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryResult, f.queryErr
}

func (f *fakeExchange) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

func (f *fakeExchange) places() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

func (f *fakeExchange) last() exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPlaced
}

type fakeSource struct {
	mu        sync.Mutex
	price     decimal.Decimal
	updatedAt time.Time
	err       error
}

func (f *fakeSource) Quote(ctx context.Context, symbol string) (market.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return market.Quote{}, f.err
	}
	at := f.updatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return market.Quote{Symbol: symbol, Bid: f.price, Ask: f.price, UpdatedAt: at}, nil
}

func (f *fakeSource) VolumeProfile(ctx context.Context, symbol string) ([]market.ProfileLevel, error) {
	return nil, exception.ErrMarketDataUnavailable
}

func (f *fakeSource) setPrice(p decimal.Decimal) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

type stubRisk struct {
	deny   bool
	reason string
}

func (s *stubRisk) Evaluate(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (risk.Decision, error) {
	if s.deny {
		return risk.Decision{Reason: s.reason, Message: "blocked"}, nil
	}
	return risk.Decision{Approved: true, Reason: risk.ReasonApproved}, nil
}

func (s *stubRisk) ApplyFill(symbol, side string, quantity, price decimal.Decimal) {}

type stubRate struct {
	deny     bool
	mu       sync.Mutex
	recorded []bool
}

func (s *stubRate) CanPlace(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (ratelimit.Verdict, error) {
	if s.deny {
		return ratelimit.Verdict{Reason: ratelimit.ReasonSecondLimitExceeded, Message: "quota"}, nil
	}
	return ratelimit.Verdict{Allowed: true, Reason: ratelimit.ReasonApproved, Signature: "sig"}, nil
}

func (s *stubRate) Record(ctx context.Context, signature string, success bool, symbol string, attemptErr error) error {
	s.mu.Lock()
	s.recorded = append(s.recorded, success)
	s.mu.Unlock()
	return nil
}

type memAuditor struct {
	mu    sync.Mutex
	kinds []string
}

func (a *memAuditor) Record(ctx context.Context, kind string, payload any) {
	a.mu.Lock()
	a.kinds = append(a.kinds, kind)
	a.mu.Unlock()
}

func (a *memAuditor) count(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, k := range a.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type testRig struct {
	manager *Manager
	venue   *fakeExchange
	source  *fakeSource
	rate    *stubRate
	audit   *memAuditor
}

func newRig(t *testing.T, riskGate *stubRisk) *testRig {
	t.Helper()
	rig := &testRig{
		venue:  &fakeExchange{},
		source: &fakeSource{price: decimal.NewFromInt(50000)},
		rate:   &stubRate{},
		audit:  &memAuditor{},
	}
	if riskGate == nil {
		riskGate = &stubRisk{}
	}
	m, err := NewManager(Config{}, rig.venue, rig.source, riskGate, rig.rate, rig.audit)
	require.NoError(t, err)
	rig.manager = m
	return rig
}

func limitBuy(qty, price int64) Request {
	return Request{
		Symbol:   "BTCUSDT",
		Side:     SideBuy,
		Type:     TypeLimit,
		Quantity: decimal.New(qty, -2),
		Price:    decimal.NewFromInt(price),
		Strategy: "momentum",
	}
}

func TestSubmitValidation(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	_, err := rig.manager.Submit(ctx, Request{})
	require.ErrorIs(t, err, exception.ErrOrderInvalidRequest)

	missingPrice := limitBuy(1, 50000)
	missingPrice.Price = decimal.Zero
	_, err = rig.manager.Submit(ctx, missingPrice)
	require.ErrorIs(t, err, exception.ErrOrderInvalidRequest)

	assert.Zero(t, rig.venue.places())
}

func TestSubmitRiskRejectedFailClosed(t *testing.T) {
	rig := newRig(t, &stubRisk{deny: true, reason: risk.ReasonPositionSize})
	id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
	require.ErrorIs(t, err, exception.ErrOrderRiskRejected)

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, risk.ReasonPositionSize, o.RejectReason)
	assert.Zero(t, rig.venue.places())
	assert.Equal(t, 1, rig.audit.count(AuditRiskRejected))
}

func TestSubmitRateRejectedFailClosed(t *testing.T) {
	rig := newRig(t, nil)
	rig.rate.deny = true
	id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
	require.ErrorIs(t, err, exception.ErrOrderRateLimited)

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Zero(t, rig.venue.places())
	assert.Equal(t, 1, rig.audit.count(AuditRateRejected))
}

func TestSubmitImmediateFill(t *testing.T) {
	rig := newRig(t, nil)
	rig.venue.placeResult = exchange.OrderResult{
		Status:      "FILLED",
		ExecutedQty: decimal.New(1, -2),
		AvgPrice:    decimal.NewFromInt(50000),
	}

	id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
	require.NoError(t, err)

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.FilledQty.Equal(decimal.New(1, -2)))
	assert.True(t, o.AvgFillPrice.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, 1, rig.audit.count(AuditOrderTerminal))
	assert.Equal(t, []bool{true}, rig.rate.recorded)
}

func TestSubmitExchangeRejected(t *testing.T) {
	rig := newRig(t, nil)
	rig.venue.placeErr = exception.ErrExchangeRejected

	id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
	require.ErrorIs(t, err, exception.ErrExchangeRejected)

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, []bool{false}, rig.rate.recorded)
}

func TestOutcomeUnknownReconciles(t *testing.T) {
	rig := newRig(t, nil)
	rig.venue.placeErr = exception.ErrExchangeOutcomeUnknown

	id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
	require.ErrorIs(t, err, exception.ErrExchangeOutcomeUnknown)

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, o.Status)

	// The exchange had actually accepted and filled the order.
	rig.venue.queryResult = exchange.OrderResult{
		Status:      "FILLED",
		ExecutedQty: decimal.New(1, -2),
		AvgPrice:    decimal.NewFromInt(50010),
	}
	rig.manager.tickReconcile(context.Background())

	o, err = rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.AvgFillPrice.Equal(decimal.NewFromInt(50010)))
}

func TestCancelSubmittedOrder(t *testing.T) {
	rig := newRig(t, nil)
	id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
	require.NoError(t, err)

	ok, err := rig.manager.Cancel(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, o.Status)

	// A second cancel observes the terminal state.
	ok, err = rig.manager.Cancel(context.Background(), id)
	require.ErrorIs(t, err, exception.ErrOrderUnknown)
	assert.False(t, ok)
}

func TestCancelUnknownOrder(t *testing.T) {
	rig := newRig(t, nil)
	_, err := rig.manager.Cancel(context.Background(), "nope")
	require.ErrorIs(t, err, exception.ErrOrderUnknown)
}

func TestConcurrentCancelAndFill(t *testing.T) {
	for i := 0; i < 50; i++ {
		rig := newRig(t, nil)
		id, err := rig.manager.Submit(context.Background(), limitBuy(1, 50000))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelled bool
		var fillErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled, _ = rig.manager.Cancel(context.Background(), id)
		}()
		go func() {
			defer wg.Done()
			fillErr = rig.manager.ApplyFill(context.Background(), id,
				decimal.New(1, -2), decimal.NewFromInt(50000))
		}()
		wg.Wait()

		o, err := rig.manager.Status(id)
		require.NoError(t, err)
		require.True(t, o.Status.IsTerminal())

		// Exactly one of the two operations wins.
		if cancelled {
			assert.Equal(t, StatusCancelled, o.Status)
			assert.Error(t, fillErr)
		} else {
			assert.Equal(t, StatusFilled, o.Status)
			assert.NoError(t, fillErr)
		}
	}
}

func TestBracketChildrenWaitForEntryFill(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	bracketID, err := rig.manager.SubmitBracket(ctx, limitBuy(1, 50000),
		decimal.NewFromInt(49000), decimal.NewFromInt(52000))
	require.NoError(t, err)
	placesAfterEntry := rig.venue.places()

	// Entry is only SUBMITTED; no children may be transmitted.
	rig.manager.tickBrackets(ctx)
	assert.Equal(t, placesAfterEntry, rig.venue.places())

	b, err := rig.manager.Bracket(bracketID)
	require.NoError(t, err)
	require.NoError(t, rig.manager.ApplyFill(ctx, b.Entry.ID,
		decimal.New(1, -2), decimal.NewFromInt(50000)))

	rig.manager.tickBrackets(ctx)
	assert.Equal(t, placesAfterEntry+2, rig.venue.places())

	// Children are placed at most once.
	rig.manager.tickBrackets(ctx)
	assert.Equal(t, placesAfterEntry+2, rig.venue.places())
}

func TestBracketFormsAfterInstantEntryFill(t *testing.T) {
	rig := newRig(t, nil)
	rig.venue.placeResult = exchange.OrderResult{
		Status:      "FILLED",
		ExecutedQty: decimal.New(1, -2),
		AvgPrice:    decimal.NewFromInt(50000),
	}
	ctx := context.Background()

	bracketID, err := rig.manager.SubmitBracket(ctx, limitBuy(1, 50000),
		decimal.NewFromInt(49000), decimal.NewFromInt(52000))
	require.NoError(t, err)

	b, err := rig.manager.Bracket(bracketID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, b.Entry.Status)

	placesAfterEntry := rig.venue.places()
	rig.manager.tickBrackets(ctx)
	assert.Equal(t, placesAfterEntry+2, rig.venue.places())
}

func TestBracketRejectedEntryNeverPlacesChildren(t *testing.T) {
	rig := newRig(t, &stubRisk{deny: true, reason: risk.ReasonPositionSize})
	ctx := context.Background()

	_, err := rig.manager.SubmitBracket(ctx, limitBuy(1, 50000),
		decimal.NewFromInt(49000), decimal.NewFromInt(52000))
	require.ErrorIs(t, err, exception.ErrOrderRiskRejected)

	rig.manager.tickBrackets(ctx)
	assert.Zero(t, rig.venue.places())
}

func TestConditionalTriggersExactlyOnce(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()
	rig.source.setPrice(decimal.NewFromInt(49000))

	id, err := rig.manager.SubmitConditional(limitBuy(1, 50000),
		"BTCUSDT", ConditionPriceAbove, decimal.NewFromInt(50000))
	require.NoError(t, err)

	rig.manager.tickConditionals(ctx)
	assert.Zero(t, rig.venue.places())

	rig.source.setPrice(decimal.NewFromInt(50100))
	rig.manager.tickConditionals(ctx)
	assert.Equal(t, 1, rig.venue.places())

	// Triggered conditionals are removed and never resubmitted.
	rig.manager.tickConditionals(ctx)
	assert.Equal(t, 1, rig.venue.places())
	_, err = rig.manager.Conditional(id)
	require.ErrorIs(t, err, exception.ErrConditionalUnknown)
}

func TestAlgoOrderAcceptedWithoutExchangeCall(t *testing.T) {
	rig := newRig(t, nil)
	req := limitBuy(100, 50000)
	req.Type = TypeTWAP
	req.Price = decimal.Zero

	id, err := rig.manager.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, rig.venue.places())

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, o.Status)
}

func exitPlanFor(entryQty int64) ExitPlan {
	return ExitPlan{
		Stop: Request{
			Symbol:   "BTCUSDT",
			Side:     SideSell,
			Type:     TypeMarket,
			Quantity: decimal.New(entryQty, -2),
			Strategy: "momentum",
		},
		StopKind:      ConditionPriceBelow,
		StopThreshold: decimal.NewFromInt(49000),
		Target: Request{
			Symbol:   "BTCUSDT",
			Side:     SideSell,
			Type:     TypeLimit,
			Quantity: decimal.New(entryQty, -2),
			Price:    decimal.NewFromInt(52000),
			Strategy: "momentum",
		},
		TargetKind:      ConditionPriceAbove,
		TargetThreshold: decimal.NewFromInt(52000),
	}
}

func TestExitPlanWaitsForEntryFill(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	entryID, err := rig.manager.Submit(ctx, limitBuy(1, 50000))
	require.NoError(t, err)
	stopID, targetID, err := rig.manager.SubmitExitPlan(entryID, exitPlanFor(1))
	require.NoError(t, err)

	// Price is through the stop, but the entry has no fill yet: the
	// exits stay dormant.
	rig.source.setPrice(decimal.NewFromInt(48000))
	rig.manager.tickConditionals(ctx)
	assert.Equal(t, 1, rig.venue.places())

	require.NoError(t, rig.manager.ApplyFill(ctx, entryID,
		decimal.New(1, -2), decimal.NewFromInt(50000)))
	rig.manager.tickConditionals(ctx)
	assert.Equal(t, 2, rig.venue.places())

	// The triggered stop takes its target sibling down with it.
	_, err = rig.manager.Conditional(stopID)
	require.ErrorIs(t, err, exception.ErrConditionalUnknown)
	_, err = rig.manager.Conditional(targetID)
	require.ErrorIs(t, err, exception.ErrConditionalUnknown)

	rig.manager.tickConditionals(ctx)
	assert.Equal(t, 2, rig.venue.places())
}

func TestExitPlanDroppedWhenEntryDiesUnfilled(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	entryID, err := rig.manager.Submit(ctx, limitBuy(1, 50000))
	require.NoError(t, err)
	stopID, targetID, err := rig.manager.SubmitExitPlan(entryID, exitPlanFor(1))
	require.NoError(t, err)

	ok, err := rig.manager.Cancel(ctx, entryID)
	require.NoError(t, err)
	require.True(t, ok)

	rig.source.setPrice(decimal.NewFromInt(48000))
	rig.manager.tickConditionals(ctx)

	// No position was opened, so nothing may be sold.
	assert.Equal(t, 1, rig.venue.places())
	_, err = rig.manager.Conditional(stopID)
	require.ErrorIs(t, err, exception.ErrConditionalUnknown)
	_, err = rig.manager.Conditional(targetID)
	require.ErrorIs(t, err, exception.ErrConditionalUnknown)
}

func TestExitPlanClampsToFilledQuantity(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	entryID, err := rig.manager.Submit(ctx, limitBuy(100, 50000))
	require.NoError(t, err)
	stopID, _, err := rig.manager.SubmitExitPlan(entryID, exitPlanFor(100))
	require.NoError(t, err)

	// Half the entry fills before it is cancelled.
	require.NoError(t, rig.manager.ApplyFill(ctx, entryID,
		decimal.New(50, -2), decimal.NewFromInt(50000)))

	rig.source.setPrice(decimal.NewFromInt(48000))
	rig.manager.tickConditionals(ctx)
	require.Equal(t, 2, rig.venue.places())

	// The stop sells only what the entry actually bought.
	assert.Equal(t, "SELL", rig.venue.last().Side)
	assert.True(t, rig.venue.last().Quantity.Equal(decimal.New(50, -2)))

	_, err = rig.manager.Conditional(stopID)
	require.ErrorIs(t, err, exception.ErrConditionalUnknown)
}

func TestCancelBracket(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	bracketID, err := rig.manager.SubmitBracket(ctx, limitBuy(1, 50000),
		decimal.NewFromInt(49000), decimal.NewFromInt(52000))
	require.NoError(t, err)

	require.NoError(t, rig.manager.CancelBracket(ctx, bracketID))

	b, err := rig.manager.Bracket(bracketID)
	require.NoError(t, err)
	assert.False(t, b.Active)
	assert.Equal(t, StatusCancelled, b.Entry.Status)

	// An inactive bracket never places children and cannot be
	// cancelled twice.
	rig.manager.tickBrackets(ctx)
	assert.Equal(t, 1, rig.venue.places())
	require.ErrorIs(t, rig.manager.CancelBracket(ctx, bracketID), exception.ErrBracketInactive)
	require.ErrorIs(t, rig.manager.CancelBracket(ctx, "nope"), exception.ErrBracketUnknown)
}

func TestExpireSettlesWorkingOrder(t *testing.T) {
	rig := newRig(t, nil)
	ctx := context.Background()

	req := limitBuy(100, 50000)
	req.Type = TypeTWAP
	req.Price = decimal.Zero
	id, err := rig.manager.Accept(ctx, req)
	require.NoError(t, err)

	require.NoError(t, rig.manager.ApplyFill(ctx, id,
		decimal.New(40, -2), decimal.NewFromInt(50000)))
	require.NoError(t, rig.manager.Expire(ctx, id))

	o, err := rig.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, o.Status)
	assert.True(t, o.FilledQty.Equal(decimal.New(40, -2)))
	assert.Empty(t, rig.manager.ActiveOrders())
	assert.Equal(t, 1, rig.audit.count(AuditOrderTerminal))

	require.ErrorIs(t, rig.manager.Expire(ctx, id), exception.ErrOrderUnknown)
	require.ErrorIs(t, rig.manager.Expire(ctx, "nope"), exception.ErrOrderUnknown)
}

func TestManagerRecordsMetrics(t *testing.T) {
	rig := newRig(t, nil)
	metrics := obs.NewMetrics()
	rig.manager.SetMetrics(metrics)
	ctx := context.Background()

	rig.venue.placeResult = exchange.OrderResult{
		Status:      "FILLED",
		ExecutedQty: decimal.New(1, -2),
		AvgPrice:    decimal.NewFromInt(50000),
	}
	_, err := rig.manager.Submit(ctx, limitBuy(1, 50000))
	require.NoError(t, err)

	rig.venue.placeResult = exchange.OrderResult{Status: "NEW"}
	id, err := rig.manager.Submit(ctx, limitBuy(1, 50000))
	require.NoError(t, err)
	_, err = rig.manager.Cancel(ctx, id)
	require.NoError(t, err)

	s := metrics.Snapshot()
	assert.Equal(t, uint64(1), s.OrdersFilled)
	assert.Equal(t, uint64(1), s.OrdersCancelled)
	assert.Equal(t, uint64(2), s.RiskEvalLatency.Count)
}

func TestMarketOrderRejectsStaleQuote(t *testing.T) {
	rig := newRig(t, nil)
	rig.source.updatedAt = time.Now().Add(-time.Minute)

	req := Request{Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Quantity: decimal.New(1, -2)}
	_, err := rig.manager.Submit(context.Background(), req)
	require.ErrorIs(t, err, exception.ErrMarketDataStale)
	assert.Zero(t, rig.venue.places())
}

func TestMarketOrderFailsWithoutQuote(t *testing.T) {
	rig := newRig(t, nil)
	rig.source.err = errors.New("feed down")

	req := Request{Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Quantity: decimal.New(1, -2)}
	_, err := rig.manager.Submit(context.Background(), req)
	require.ErrorIs(t, err, exception.ErrMarketDataUnavailable)
	assert.Zero(t, rig.venue.places())
}
