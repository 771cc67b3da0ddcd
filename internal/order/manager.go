package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchange"
	"main/internal/market"
	"main/internal/obs"
	"main/internal/ratelimit"
	"main/internal/risk"
	"main/pkg/exception"
)

// RiskGate is the portfolio risk boundary consulted before every
// submission and fed on every fill.
type RiskGate interface {
	Evaluate(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (risk.Decision, error)
	ApplyFill(symbol, side string, quantity, price decimal.Decimal)
}

// RateGate is the order rate limiting boundary.
type RateGate interface {
	CanPlace(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (ratelimit.Verdict, error)
	Record(ctx context.Context, signature string, success bool, symbol string, attemptErr error) error
}

// Auditor receives durable audit records for terminal orders and gate
// rejections.
type Auditor interface {
	Record(ctx context.Context, kind string, payload any)
}

// Audit record kinds.
const (
	AuditOrderTerminal = "order_terminal"
	AuditRiskRejected  = "risk_rejected"
	AuditRateRejected  = "rate_rejected"
)

// Config tunes the manager's background loops.
type Config struct {
	BracketInterval     time.Duration `json:"bracketInterval"`
	ConditionalInterval time.Duration `json:"conditionalInterval"`
	ReconcileInterval   time.Duration `json:"reconcileInterval"`
	QuoteMaxAge         time.Duration `json:"quoteMaxAge"`
	HistoryCap          int           `json:"historyCap"`
}

func (c Config) withDefaults() Config {
	if c.BracketInterval <= 0 {
		c.BracketInterval = 10 * time.Second
	}
	if c.ConditionalInterval <= 0 {
		c.ConditionalInterval = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 15 * time.Second
	}
	if c.QuoteMaxAge <= 0 {
		c.QuoteMaxAge = 30 * time.Second
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 1024
	}
	return c
}

// Manager owns order, bracket and conditional identity and every status
// transition. Submission is fail-closed: a risk or rate denial yields a
// REJECTED order without any exchange call.
type Manager struct {
	cfg      Config
	client   exchange.Client
	source   market.Source
	riskGate RiskGate
	rateGate RateGate
	auditor  Auditor
	metrics  *obs.Metrics
	now      func() time.Time

	mu           sync.Mutex
	orders       map[string]*Order
	brackets     map[string]*Bracket
	conditionals map[string]*Conditional
	history      []Order

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewManager(cfg Config, client exchange.Client, source market.Source, riskGate RiskGate, rateGate RateGate, auditor Auditor) (*Manager, error) {
	if client == nil || riskGate == nil || rateGate == nil {
		return nil, exception.ErrNilInstance
	}
	return &Manager{
		cfg:          cfg.withDefaults(),
		client:       client,
		source:       source,
		riskGate:     riskGate,
		rateGate:     rateGate,
		auditor:      auditor,
		now:          time.Now,
		orders:       make(map[string]*Order),
		brackets:     make(map[string]*Bracket),
		conditionals: make(map[string]*Conditional),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetMetrics attaches an optional metrics container. All recording is
// nil-safe, so a manager without metrics works unchanged.
func (m *Manager) SetMetrics(metrics *obs.Metrics) { m.metrics = metrics }

func validate(req Request) error {
	if req.Symbol == "" {
		return yerrors.Wrap(exception.ErrOrderInvalidRequest, "empty symbol")
	}
	if !req.Side.IsAvailable() {
		return yerrors.Wrap(exception.ErrOrderInvalidRequest, "invalid side")
	}
	if !req.Type.IsAvailable() {
		return yerrors.Wrap(exception.ErrOrderInvalidRequest, "invalid type")
	}
	if req.Quantity.Sign() <= 0 {
		return yerrors.Wrap(exception.ErrOrderInvalidRequest, "non-positive quantity")
	}
	if req.Type.RequiresPrice() && req.Price.Sign() <= 0 {
		return yerrors.Wrap(exception.ErrOrderInvalidRequest, "missing limit price")
	}
	return nil
}

// referencePrice resolves the price used for risk sizing. Market orders
// without a limit price take the live mid; no price is ever fabricated.
func (m *Manager) referencePrice(ctx context.Context, req Request) (decimal.Decimal, error) {
	if req.Price.Sign() > 0 {
		return req.Price, nil
	}
	if m.source == nil {
		return decimal.Zero, exception.ErrMarketDataNilSource
	}
	q, err := m.source.Quote(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, yerrors.Wrap(exception.ErrMarketDataUnavailable, err.Error())
	}
	if err := market.Fresh(q, m.now(), m.cfg.QuoteMaxAge); err != nil {
		return decimal.Zero, err
	}
	return q.Mid(), nil
}

// admit runs validation and both gates, then registers a PENDING order.
// Fail-closed: a denial produces a REJECTED order with no exchange call.
func (m *Manager) admit(ctx context.Context, req Request) (*Order, ratelimit.Verdict, error) {
	if err := validate(req); err != nil {
		return nil, ratelimit.Verdict{}, err
	}

	refPrice, err := m.referencePrice(ctx, req)
	if err != nil {
		return nil, ratelimit.Verdict{}, err
	}

	evalStart := time.Now()
	decision, err := m.riskGate.Evaluate(ctx, req.Symbol, req.Side.String(), req.Quantity, refPrice)
	m.metrics.ObserveRiskEval(time.Since(evalStart))
	if err != nil {
		return nil, ratelimit.Verdict{}, err
	}
	if !decision.Approved {
		ro := m.rejectLocally(ctx, req, decision.Reason, AuditRiskRejected)
		return ro, ratelimit.Verdict{}, yerrors.Wrap(exception.ErrOrderRiskRejected, decision.Message)
	}

	verdict, err := m.rateGate.CanPlace(ctx, req.Symbol, req.Side.String(), req.Quantity, refPrice)
	if err != nil {
		return nil, ratelimit.Verdict{}, err
	}
	if !verdict.Allowed {
		ro := m.rejectLocally(ctx, req, string(verdict.Reason), AuditRateRejected)
		return ro, ratelimit.Verdict{}, yerrors.Wrap(exception.ErrOrderRateLimited, verdict.Message)
	}

	o := newOrder(req, m.now())
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	return o, verdict, nil
}

// Accept gates and registers an order without transmitting it. The
// execution engine owns transmission for accepted orders and reports
// fills back through ApplyFill.
func (m *Manager) Accept(ctx context.Context, req Request) (string, error) {
	o, verdict, err := m.admit(ctx, req)
	if err != nil {
		if o != nil {
			return o.ID, err
		}
		return "", err
	}
	m.mu.Lock()
	err = transition(o, StatusSubmitted, m.now())
	m.mu.Unlock()
	if err != nil {
		return o.ID, err
	}
	m.recordRate(ctx, verdict.Signature, true, req.Symbol, nil)
	return o.ID, nil
}

// Submit gates, creates and transmits an order, returning its id. Algo
// order types (ICEBERG, TWAP, VWAP) are accepted here and driven by the
// execution engine; direct types go straight to the exchange. A timeout
// leaves the order SUBMITTED for reconciliation, never a blind retry.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	if isAlgo(req.Type) {
		return m.Accept(ctx, req)
	}

	o, verdict, err := m.admit(ctx, req)
	if err != nil {
		if o != nil {
			return o.ID, err
		}
		return "", err
	}

	result, placeErr := m.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:        req.Symbol,
		Side:          req.Side.String(),
		Type:          req.Type.String(),
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TimeInForce:   "GTC",
		ClientOrderID: o.ClientOrderID,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case placeErr == nil:
		if err := transition(o, StatusSubmitted, m.now()); err != nil {
			return o.ID, err
		}
		m.recordRate(ctx, verdict.Signature, true, req.Symbol, nil)
		m.syncResultLocked(o, result)
		return o.ID, nil

	case errors.Is(placeErr, exception.ErrExchangeOutcomeUnknown):
		// The exchange may have accepted the order. Keep it SUBMITTED
		// and let the reconcile loop settle the outcome.
		if err := transition(o, StatusSubmitted, m.now()); err != nil {
			return o.ID, err
		}
		m.recordRate(ctx, verdict.Signature, true, req.Symbol, nil)
		logs.Warnf("order %s outcome unknown, awaiting reconciliation", o.ID)
		return o.ID, placeErr

	default:
		o.RejectReason = placeErr.Error()
		if err := transition(o, StatusRejected, m.now()); err != nil {
			return o.ID, err
		}
		m.finalizeLocked(ctx, o, AuditOrderTerminal)
		m.recordRate(ctx, verdict.Signature, false, req.Symbol, placeErr)
		return o.ID, yerrors.Wrap(exception.ErrExchangeRejected, placeErr.Error())
	}
}

func (m *Manager) rejectLocally(ctx context.Context, req Request, reason, kind string) *Order {
	now := m.now()
	o := newOrder(req, now)
	o.RejectReason = reason
	o.Status = StatusRejected
	m.mu.Lock()
	m.orders[o.ID] = o
	m.finalizeLocked(ctx, o, kind)
	m.mu.Unlock()
	return o
}

func (m *Manager) recordRate(ctx context.Context, signature string, success bool, symbol string, attemptErr error) {
	if err := m.rateGate.Record(ctx, signature, success, symbol, attemptErr); err != nil {
		logs.Warnf("rate limiter record failed: %v", err)
	}
}

// Cancel cancels a non-terminal order. Safe to race a fill: exactly one
// of cancel and fill reaches a terminal status, the loser sees false.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return false, exception.ErrOrderUnknown
	}
	if o.Status.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	symbol, clientID, sent := o.Symbol, o.ClientOrderID, o.Status != StatusPending
	m.mu.Unlock()

	if sent && !isAlgo(o.Type) {
		// An order the exchange never saw is cancellable locally.
		if err := m.client.CancelOrder(ctx, symbol, clientID); err != nil &&
			!errors.Is(err, exception.ErrExchangeOutcomeUnknown) &&
			!errors.Is(err, exception.ErrOrderUnknown) {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := transition(o, StatusCancelled, m.now()); err != nil {
		// A concurrent fill won the race.
		return false, nil
	}
	m.finalizeLocked(ctx, o, AuditOrderTerminal)
	return true, nil
}

// Status returns a copy of the order.
func (m *Manager) Status(id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		return *o, nil
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], nil
		}
	}
	return Order{}, exception.ErrOrderUnknown
}

// ActiveOrders returns copies of all non-terminal orders.
func (m *Manager) ActiveOrders() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// ApplyFill reports an execution against an order. Used by the
// execution engine and the reconcile loop.
func (m *Manager) ApplyFill(ctx context.Context, id string, qty, price decimal.Decimal) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return exception.ErrOrderUnknown
	}
	err := applyFill(o, qty, price, m.now())
	if err == nil {
		m.riskGate.ApplyFill(o.Symbol, o.Side.String(), qty, price)
		if o.Status.IsTerminal() {
			m.finalizeLocked(ctx, o, AuditOrderTerminal)
		}
	}
	m.mu.Unlock()
	return err
}

// finalizeLocked moves a terminal order out of the active set and hands
// it to the auditor under the given record kind.
func (m *Manager) finalizeLocked(ctx context.Context, o *Order, kind string) {
	delete(m.orders, o.ID)
	m.history = append(m.history, *o)
	if len(m.history) > m.cfg.HistoryCap {
		m.history = m.history[len(m.history)-m.cfg.HistoryCap:]
	}
	switch o.Status {
	case StatusFilled:
		m.metrics.IncOrderFilled()
	case StatusCancelled:
		m.metrics.IncOrderCancelled()
	}
	if m.auditor != nil {
		m.auditor.Record(ctx, kind, *o)
	}
}

// Expire moves a non-terminal order to EXPIRED and finalizes it. The
// execution engine calls this to settle the unfilled remainder once an
// algorithm run ends, so every worked order reaches a terminal state.
func (m *Manager) Expire(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return exception.ErrOrderUnknown
	}
	if o.Status.IsTerminal() {
		return nil
	}
	if err := transition(o, StatusExpired, m.now()); err != nil {
		return err
	}
	m.finalizeLocked(ctx, o, AuditOrderTerminal)
	return nil
}

func isAlgo(t Type) bool {
	switch t {
	case TypeIceberg, TypeTWAP, TypeVWAP:
		return true
	default:
		return false
	}
}

// SubmitBracket registers an entry with optional protective children.
// The entry is submitted immediately; children wait for the bracket
// loop to observe the entry FILLED.
func (m *Manager) SubmitBracket(ctx context.Context, entry Request, stopPrice, takeProfitPrice decimal.Decimal) (string, error) {
	entryID, err := m.Submit(ctx, entry)
	if err != nil && !errors.Is(err, exception.ErrExchangeOutcomeUnknown) {
		// The rejected entry id lets callers inspect the reject reason.
		return entryID, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entryOrder, ok := m.orders[entryID]
	if !ok {
		// An instantly filled entry is already in history. The bracket
		// still forms; its children go out on the next tick.
		for i := len(m.history) - 1; i >= 0; i-- {
			if m.history[i].ID == entryID {
				cp := m.history[i]
				entryOrder, ok = &cp, true
				break
			}
		}
	}
	if !ok {
		return "", exception.ErrOrderUnknown
	}

	b := &Bracket{ID: uuid.NewString(), Entry: entryOrder, Active: true}
	exit := SideSell
	if entry.Side == SideSell {
		exit = SideBuy
	}
	if stopPrice.Sign() > 0 {
		b.StopLoss = newOrder(Request{
			Symbol:    entry.Symbol,
			Side:      exit,
			Type:      TypeStopLoss,
			Quantity:  entry.Quantity,
			StopPrice: stopPrice,
			Strategy:  entry.Strategy,
		}, m.now())
	}
	if takeProfitPrice.Sign() > 0 {
		b.TakeProfit = newOrder(Request{
			Symbol:    entry.Symbol,
			Side:      exit,
			Type:      TypeTakeProfit,
			Quantity:  entry.Quantity,
			StopPrice: takeProfitPrice,
			Strategy:  entry.Strategy,
		}, m.now())
	}
	m.brackets[b.ID] = b
	return b.ID, nil
}

// SubmitConditional registers an order submitted once the trigger
// condition on the watched symbol is met.
func (m *Manager) SubmitConditional(req Request, triggerSymbol string, kind ConditionKind, threshold decimal.Decimal) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	if !kind.IsAvailable() || triggerSymbol == "" || threshold.Sign() <= 0 {
		return "", yerrors.Wrap(exception.ErrOrderInvalidRequest, "invalid condition")
	}
	c := &Conditional{
		ID:            uuid.NewString(),
		Request:       req,
		TriggerSymbol: triggerSymbol,
		Kind:          kind,
		Threshold:     threshold,
	}
	m.mu.Lock()
	m.conditionals[c.ID] = c
	m.mu.Unlock()
	return c.ID, nil
}

// ExitPlan protects an entry worked by the execution engine: a stop and
// a target, both armed only once the entry reports a fill, with the
// first leg to trigger dropping the other.
type ExitPlan struct {
	Stop            Request
	StopKind        ConditionKind
	StopThreshold   decimal.Decimal
	Target          Request
	TargetKind      ConditionKind
	TargetThreshold decimal.Decimal
}

// SubmitExitPlan registers both exit legs for an entry order. The legs
// stay dormant until the entry fills; their quantity is clamped to the
// filled quantity when the entry ends partially done.
func (m *Manager) SubmitExitPlan(entryID string, plan ExitPlan) (string, string, error) {
	if entryID == "" {
		return "", "", yerrors.Wrap(exception.ErrOrderInvalidRequest, "empty entry id")
	}
	for _, leg := range []struct {
		req       Request
		kind      ConditionKind
		threshold decimal.Decimal
	}{
		{plan.Stop, plan.StopKind, plan.StopThreshold},
		{plan.Target, plan.TargetKind, plan.TargetThreshold},
	} {
		if err := validate(leg.req); err != nil {
			return "", "", err
		}
		if !leg.kind.IsAvailable() || leg.threshold.Sign() <= 0 {
			return "", "", yerrors.Wrap(exception.ErrOrderInvalidRequest, "invalid condition")
		}
	}

	group := uuid.NewString()
	stop := &Conditional{
		ID:            uuid.NewString(),
		Request:       plan.Stop,
		TriggerSymbol: plan.Stop.Symbol,
		Kind:          plan.StopKind,
		Threshold:     plan.StopThreshold,
		ArmOrderID:    entryID,
		OCOGroup:      group,
	}
	target := &Conditional{
		ID:            uuid.NewString(),
		Request:       plan.Target,
		TriggerSymbol: plan.Target.Symbol,
		Kind:          plan.TargetKind,
		Threshold:     plan.TargetThreshold,
		ArmOrderID:    entryID,
		OCOGroup:      group,
	}
	m.mu.Lock()
	m.conditionals[stop.ID] = stop
	m.conditionals[target.ID] = target
	m.mu.Unlock()
	return stop.ID, target.ID, nil
}

// CancelConditional removes an untriggered conditional order.
func (m *Manager) CancelConditional(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conditionals[id]
	if !ok || c.Triggered {
		return false
	}
	delete(m.conditionals, id)
	return true
}

// Conditional returns a copy of a registered conditional order.
func (m *Manager) Conditional(id string) (Conditional, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conditionals[id]; ok {
		return *c, nil
	}
	return Conditional{}, exception.ErrConditionalUnknown
}

// Conditionals returns copies of all untriggered conditional orders.
func (m *Manager) Conditionals() []Conditional {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conditional, 0, len(m.conditionals))
	for _, c := range m.conditionals {
		out = append(out, *c)
	}
	return out
}

// CancelBracket deactivates a bracket and cancels its entry when it is
// still working. Children already transmitted are left to their own
// lifecycle; unplaced children never go out.
func (m *Manager) CancelBracket(ctx context.Context, id string) error {
	m.mu.Lock()
	b, ok := m.brackets[id]
	if !ok {
		m.mu.Unlock()
		return exception.ErrBracketUnknown
	}
	if !b.Active {
		m.mu.Unlock()
		return exception.ErrBracketInactive
	}
	b.Active = false
	entryID := b.Entry.ID
	m.mu.Unlock()

	if _, err := m.Cancel(ctx, entryID); err != nil && !errors.Is(err, exception.ErrOrderUnknown) {
		return err
	}
	return nil
}

// Bracket returns a copy of a registered bracket.
func (m *Manager) Bracket(id string) (Bracket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.brackets[id]; ok {
		cp := *b
		if b.Entry != nil {
			e := *b.Entry
			cp.Entry = &e
		}
		if b.StopLoss != nil {
			s := *b.StopLoss
			cp.StopLoss = &s
		}
		if b.TakeProfit != nil {
			tp := *b.TakeProfit
			cp.TakeProfit = &tp
		}
		return cp, nil
	}
	return Bracket{}, exception.ErrBracketUnknown
}

// Start launches the bracket, conditional and reconciliation loops.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return exception.ErrAlreadyStarted
	}
	m.wg.Add(3)
	go m.loop(ctx, m.cfg.BracketInterval, m.tickBrackets)
	go m.loop(ctx, m.cfg.ConditionalInterval, m.tickConditionals)
	go m.loop(ctx, m.cfg.ReconcileInterval, m.tickReconcile)
	return nil
}

// Close waits for the background loops to exit.
func (m *Manager) Close() {
	if m.running.Load() {
		m.wg.Wait()
	}
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}
