/*
Engine drives one signal batch through the whole trading pipeline.

# Flow
 1. deduplication: drop already-executed and low-quality signals
 2. sizing: scale each order to a portfolio value fraction
 3. admission: risk gate and rate limiter inside the order manager
 4. transmission: bracket orders direct, the rest via the execution
    engine when it is enabled

Every stage feeds the shared metrics container and each batch carries a
trace id across its log lines.
*/
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/dedup"
	"main/internal/exec"
	"main/internal/obs"
	"main/internal/order"
	"main/internal/risk"
	"main/pkg/exception"
)

// Config tunes signal-to-order conversion.
type Config struct {
	PositionFraction float64 `json:"positionFraction"`
	UrgentConfidence float64 `json:"urgentConfidence"`
}

func (c Config) withDefaults() Config {
	if c.PositionFraction <= 0 {
		c.PositionFraction = 0.05
	}
	if c.UrgentConfidence <= 0 {
		c.UrgentConfidence = 0.85
	}
	return c
}

// Outcome is the pipeline result for one accepted signal.
type Outcome struct {
	Signal   dedup.Signal
	OrderID  string
	Accepted bool
	Reason   string
	Err      error
}

// Pipeline wires the deduplicator, order manager and execution engine
// into a single signal entry point.
type Pipeline struct {
	cfg     Config
	dedup   *dedup.Deduplicator
	manager *order.Manager
	exec    *exec.Engine
	valuer  risk.Valuer
	metrics *obs.Metrics
	trace   *obs.TraceGenerator
	now     func() time.Time
}

// NewPipeline builds a pipeline. The execution engine is optional;
// without it every order transmits directly through the manager.
func NewPipeline(cfg Config, dedup *dedup.Deduplicator, manager *order.Manager, execEngine *exec.Engine, valuer risk.Valuer, metrics *obs.Metrics) (*Pipeline, error) {
	if dedup == nil || manager == nil || valuer == nil {
		return nil, exception.ErrNilInstance
	}
	return &Pipeline{
		cfg:     cfg.withDefaults(),
		dedup:   dedup,
		manager: manager,
		exec:    execEngine,
		valuer:  valuer,
		metrics: metrics,
		trace:   obs.NewTraceGenerator(0),
		now:     time.Now,
	}, nil
}

// SetClock overrides the time source. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// ProcessSignals runs one batch end to end and reports per-signal
// outcomes for everything that survived deduplication.
func (p *Pipeline) ProcessSignals(ctx context.Context, signals []dedup.Signal) ([]Outcome, error) {
	batch := p.trace.Next()
	p.metrics.AddSignalsReceived(len(signals))

	accepted, err := p.dedup.Process(ctx, signals)
	if err != nil {
		return nil, err
	}
	p.metrics.AddSignalsAccepted(len(accepted))
	logs.Infof("batch %d: %d of %d signals accepted", batch, len(accepted), len(signals))

	outcomes := make([]Outcome, 0, len(accepted))
	for _, sig := range accepted {
		outcome := p.placeSignal(ctx, sig)
		if outcome.Accepted {
			if merr := p.dedup.MarkExecuted(ctx, sig); merr != nil {
				logs.Warnf("batch %d: mark executed %s %s: %v", batch, sig.Symbol, sig.Action, merr)
			}
			p.metrics.IncOrderSubmitted()
			if !sig.GeneratedAt.IsZero() {
				p.metrics.ObserveOrderFlow(p.now().Sub(sig.GeneratedAt))
			}
			logs.Infof("batch %d: signal %s placed as order %s", batch, sig.ID, outcome.OrderID)
		} else {
			p.metrics.IncOrderRejected(outcome.Reason)
			logs.Warnf("batch %d: signal %s %s %s rejected: %s",
				batch, sig.ID, sig.Symbol, sig.Action, outcome.Reason)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// placeSignal converts one signal into an order and submits it.
func (p *Pipeline) placeSignal(ctx context.Context, sig dedup.Signal) Outcome {
	outcome := Outcome{Signal: sig}

	qty, err := p.sizeOrder(ctx, sig)
	if err != nil {
		outcome.Reason = "SIZING_FAILED"
		outcome.Err = err
		return outcome
	}

	req := order.Request{
		Symbol:   sig.Symbol,
		Side:     sideFor(sig.Action),
		Type:     order.TypeLimit,
		Quantity: qty,
		Price:    sig.EntryPrice,
		Strategy: sig.Strategy,
	}

	// High-conviction signals take the bracket path for immediate
	// exit protection. The rest are worked by the execution engine
	// with fill-gated conditional exits registered alongside.
	var id string
	if p.exec == nil || sig.Confidence >= p.cfg.UrgentConfidence {
		id, err = p.manager.SubmitBracket(ctx, req, sig.StopLoss, sig.Target)
	} else {
		id, err = p.exec.SubmitOrder(ctx, exec.Request{
			Symbol:   req.Symbol,
			Side:     req.Side,
			Type:     req.Type,
			Quantity: req.Quantity,
			Price:    req.Price,
			Urgency:  sig.Confidence,
			Strategy: req.Strategy,
		})
		if err == nil {
			p.registerExits(sig, req, id)
		}
	}

	outcome.OrderID = id
	if err == nil || errors.Is(err, exception.ErrExchangeOutcomeUnknown) {
		outcome.Accepted = true
		return outcome
	}

	outcome.Err = err
	outcome.Reason = rejectReason(p.manager, id, err)
	return outcome
}

// sizeOrder converts portfolio value into an order quantity, scaling
// the configured fraction by signal confidence.
func (p *Pipeline) sizeOrder(ctx context.Context, sig dedup.Signal) (decimal.Decimal, error) {
	value, err := p.valuer.PortfolioValue(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if value.Sign() <= 0 {
		return decimal.Zero, exception.ErrRiskNoValuation
	}
	price := sig.EntryPrice
	if price.Sign() <= 0 {
		return decimal.Zero, exception.ErrMarketDataUnavailable
	}
	notional := value.
		Mul(decimal.NewFromFloat(p.cfg.PositionFraction)).
		Mul(decimal.NewFromFloat(sig.Confidence))
	return notional.DivRound(price, 8), nil
}

// registerExits attaches a stop and a target as a linked exit plan for
// an entry worked by the execution engine. The exits stay dormant until
// the entry reports a fill, and whichever leg triggers first drops the
// other.
func (p *Pipeline) registerExits(sig dedup.Signal, entry order.Request, entryID string) {
	exitSide := order.SideSell
	stopKind, targetKind := order.ConditionPriceBelow, order.ConditionPriceAbove
	if entry.Side == order.SideSell {
		exitSide = order.SideBuy
		stopKind, targetKind = order.ConditionPriceAbove, order.ConditionPriceBelow
	}

	plan := order.ExitPlan{
		Stop: order.Request{
			Symbol:   sig.Symbol,
			Side:     exitSide,
			Type:     order.TypeMarket,
			Quantity: entry.Quantity,
			Strategy: sig.Strategy,
		},
		StopKind:      stopKind,
		StopThreshold: sig.StopLoss,
		Target: order.Request{
			Symbol:   sig.Symbol,
			Side:     exitSide,
			Type:     order.TypeLimit,
			Quantity: entry.Quantity,
			Price:    sig.Target,
			Strategy: sig.Strategy,
		},
		TargetKind:      targetKind,
		TargetThreshold: sig.Target,
	}
	if _, _, err := p.manager.SubmitExitPlan(entryID, plan); err != nil {
		logs.Warnf("register exits for %s: %v", sig.Symbol, err)
	}
}

func sideFor(action string) order.Side {
	if action == "SELL" {
		return order.SideSell
	}
	return order.SideBuy
}

// rejectReason extracts the gate reason recorded on the order, falling
// back to a coarse bucket derived from the error.
func rejectReason(m *order.Manager, id string, err error) string {
	if id != "" {
		if o, serr := m.Status(id); serr == nil && o.RejectReason != "" {
			return o.RejectReason
		}
	}
	switch {
	case errors.Is(err, exception.ErrOrderRiskRejected):
		return "RISK_REJECTED"
	case errors.Is(err, exception.ErrOrderRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, exception.ErrMarketDataUnavailable):
		return "NO_MARKET_DATA"
	case errors.Is(err, exception.ErrExchangeRejected):
		return "EXCHANGE_REJECTED"
	default:
		return "SUBMIT_FAILED"
	}
}
