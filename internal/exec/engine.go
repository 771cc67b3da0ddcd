package exec

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchange"
	"main/internal/market"
	"main/internal/obs"
	"main/internal/order"
	"main/pkg/exception"
)

// Config tunes execution behavior.
type Config struct {
	MaxSlippageTolerance float64       `json:"maxSlippageTolerance"`
	MinFillRate          float64       `json:"minFillRate"`
	MaxExecutionTime     time.Duration `json:"maxExecutionTime"`
	TWAPDuration         time.Duration `json:"twapDuration"`
	SliceWait            time.Duration `json:"sliceWait"`
	LowFillWait          time.Duration `json:"lowFillWait"`
	DrainInterval        time.Duration `json:"drainInterval"`
	MaxQueueDepth        int           `json:"maxQueueDepth"`
}

func (c Config) withDefaults() Config {
	if c.MaxSlippageTolerance <= 0 {
		c.MaxSlippageTolerance = 0.005
	}
	if c.MinFillRate <= 0 {
		c.MinFillRate = 0.95
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 5 * time.Minute
	}
	if c.TWAPDuration <= 0 {
		c.TWAPDuration = 15 * time.Minute
	}
	if c.SliceWait <= 0 {
		c.SliceWait = 500 * time.Millisecond
	}
	if c.LowFillWait <= 0 {
		c.LowFillWait = 2 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 256
	}
	return c
}

// Request is one execution request.
type Request struct {
	Symbol      string
	Side        order.Side
	Type        order.Type
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	MaxSlippage float64
	Urgency     float64
	Strategy    string
}

// execution is a queued, already-admitted order awaiting its run.
type execution struct {
	orderID   string
	clientID  string
	req       Request
	refPrice  decimal.Decimal
	priority  float64
	startedAt time.Time
}

// Result summarizes one finished execution.
type Result struct {
	OrderID   string
	Algorithm string
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Slippage  float64
	Quality   float64
	Duration  time.Duration
}

// Metrics is the engine-wide performance view.
type Metrics struct {
	OrdersExecuted   int64
	PendingOrders    int
	AverageSlippage  float64
	ZeroSlippageRate float64
	AverageQuality   float64
	BestQuality      float64
}

// Engine queues admitted orders and drains them by priority score,
// choosing an execution algorithm per order. All prices come from the
// live market source; a symbol without data fails its order.
type Engine struct {
	cfg     Config
	manager *order.Manager
	client  exchange.Client
	source  market.Source
	metrics *obs.Metrics
	now     func() time.Time

	mu      sync.Mutex
	queue   []*execution
	results map[string]Result

	running        atomic.Bool
	done           chan struct{}
	ordersExecuted atomic.Int64
	zeroSlippage   atomic.Int64
	totalSlippage  float64 // guarded by mu
	qualities      []float64
}

func NewEngine(cfg Config, manager *order.Manager, client exchange.Client, source market.Source) (*Engine, error) {
	if manager == nil || client == nil || source == nil {
		return nil, exception.ErrNilInstance
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		manager: manager,
		client:  client,
		source:  source,
		now:     time.Now,
		results: make(map[string]Result),
		done:    make(chan struct{}),
	}, nil
}

// SetMetrics attaches an optional metrics container for execution
// latency samples.
func (e *Engine) SetMetrics(metrics *obs.Metrics) { e.metrics = metrics }

// SubmitOrder admits an order through the manager's gates and queues it
// for execution, returning the order id.
func (e *Engine) SubmitOrder(ctx context.Context, req Request) (string, error) {
	if req.MaxSlippage <= 0 {
		req.MaxSlippage = e.cfg.MaxSlippageTolerance
	}
	if req.Urgency <= 0 {
		req.Urgency = 0.5
	}

	e.mu.Lock()
	depth := len(e.queue)
	e.mu.Unlock()
	if depth >= e.cfg.MaxQueueDepth {
		return "", exception.ErrOrderQueueFull
	}

	q, err := e.source.Quote(ctx, req.Symbol)
	if err != nil {
		return "", yerrors.Wrap(exception.ErrMarketDataUnavailable, err.Error())
	}

	id, err := e.manager.Accept(ctx, order.Request{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     req.Type,
		Quantity: req.Quantity,
		Price:    req.Price,
		Strategy: req.Strategy,
	})
	if err != nil {
		return id, err
	}

	o, err := e.manager.Status(id)
	if err != nil {
		return id, err
	}

	refPrice := req.Price
	if refPrice.Sign() <= 0 {
		refPrice = q.Mid()
	}

	ex := &execution{
		orderID:   id,
		clientID:  o.ClientOrderID,
		req:       req,
		refPrice:  refPrice,
		priority:  priorityScore(req, q),
		startedAt: e.now(),
	}
	e.mu.Lock()
	e.queue = append(e.queue, ex)
	e.mu.Unlock()

	logs.Infof("execution queued: %s %s %s %s priority %.2f",
		id, req.Symbol, req.Side, req.Quantity, ex.priority)
	return id, nil
}

// priorityScore ranks queued orders: market orders and urgent orders
// jump ahead, very large orders yield.
func priorityScore(req Request, q market.Quote) float64 {
	p := 1.0
	if req.Type == order.TypeMarket {
		p *= 1.5
	}
	p *= 0.5 + req.Urgency
	if visible := q.VisibleLiquidity(); visible.Sign() > 0 && req.Quantity.GreaterThan(visible) {
		p *= 0.8
	}
	return p
}

// CancelOrder delegates to the order manager.
func (e *Engine) CancelOrder(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	for i, ex := range e.queue {
		if ex.orderID == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	return e.manager.Cancel(ctx, id)
}

// OrderStatus delegates to the order manager.
func (e *Engine) OrderStatus(id string) (order.Order, error) {
	return e.manager.Status(id)
}

// Result returns the stored execution result for an order.
func (e *Engine) Result(id string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[id]
	return r, ok
}

// Start launches the queue drain loop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return exception.ErrAlreadyStarted
	}
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.drainOnce(ctx)
			}
		}
	}()
	return nil
}

// Close waits for the drain loop to exit.
func (e *Engine) Close() {
	if e.running.Load() {
		<-e.done
	}
}

// drainOnce executes the highest-priority queued order, if any.
func (e *Engine) drainOnce(ctx context.Context) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	sort.SliceStable(e.queue, func(i, j int) bool {
		return e.queue[i].priority > e.queue[j].priority
	})
	ex := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()

	if err := e.execute(ctx, ex); err != nil {
		logs.Errorf("execution %s failed: %v", ex.orderID, err)
	}
}

// Pending reports the queued order count.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// PerformanceMetrics returns the engine-wide execution statistics.
func (e *Engine) PerformanceMetrics() Metrics {
	executed := e.ordersExecuted.Load()
	m := Metrics{OrdersExecuted: executed}

	e.mu.Lock()
	defer e.mu.Unlock()
	m.PendingOrders = len(e.queue)
	if executed == 0 {
		return m
	}
	m.AverageSlippage = e.totalSlippage / float64(executed)
	m.ZeroSlippageRate = float64(e.zeroSlippage.Load()) / float64(executed)
	var sum, best float64
	for _, q := range e.qualities {
		sum += q
		if q > best {
			best = q
		}
	}
	if len(e.qualities) > 0 {
		m.AverageQuality = sum / float64(len(e.qualities))
	}
	m.BestQuality = best
	return m
}

// complete records fills against the manager, computes slippage and
// quality, folds both into the engine metrics, and settles the order.
// Algorithms that own transmission end to end expire any unfilled
// remainder so every run reaches a terminal, audited state; a passive
// limit rests at the venue and stays with the reconcile loop.
func (e *Engine) complete(ctx context.Context, ex *execution, algorithm string, filled, notional decimal.Decimal) Result {
	res := Result{
		OrderID:   ex.orderID,
		Algorithm: algorithm,
		FilledQty: filled,
		Duration:  e.now().Sub(ex.startedAt),
	}
	if filled.Sign() > 0 {
		res.AvgPrice = notional.Div(filled)
		res.Slippage = slippage(ex.req.Side, ex.refPrice, res.AvgPrice)
	}
	fillRate, _ := filled.Div(ex.req.Quantity).Float64()
	res.Quality = e.quality(res.Slippage, ex.req.MaxSlippage, fillRate, res.Duration)

	e.ordersExecuted.Add(1)
	if filled.Sign() > 0 && res.Slippage <= 0 {
		e.zeroSlippage.Add(1)
	}
	e.mu.Lock()
	e.totalSlippage += maxf(0, res.Slippage)
	e.qualities = append(e.qualities, res.Quality)
	if len(e.qualities) > 1000 {
		e.qualities = e.qualities[len(e.qualities)-1000:]
	}
	e.results[ex.orderID] = res
	e.mu.Unlock()
	e.metrics.ObserveExecution(res.Duration)

	if algorithm != algoLimit {
		if err := e.manager.Expire(ctx, ex.orderID); err != nil && !errors.Is(err, exception.ErrOrderUnknown) {
			logs.Warnf("expire remainder %s: %v", ex.orderID, err)
		}
	}

	logs.Infof("execution %s done: %s filled %s at %s, slippage %.4f, quality %.2f",
		ex.orderID, algorithm, filled, res.AvgPrice, res.Slippage, res.Quality)
	return res
}

// slippage is the signed deviation of the realized price from the
// reference price; positive means paying up.
func slippage(side order.Side, ref, realized decimal.Decimal) float64 {
	if ref.Sign() <= 0 {
		return 0
	}
	var dev decimal.Decimal
	if side == order.SideBuy {
		dev = realized.Sub(ref)
	} else {
		dev = ref.Sub(realized)
	}
	s, _ := dev.Div(ref).Float64()
	return s
}

// quality combines slippage, fill rate and time-to-fill into a 0..1
// score weighted 0.5/0.3/0.2.
func (e *Engine) quality(slip, maxSlip, fillRate float64, took time.Duration) float64 {
	slippageScore := maxf(0, 1-maxf(0, slip)/maxSlip)
	timeScore := maxf(0, 1-took.Minutes()/e.cfg.MaxExecutionTime.Minutes())
	q := slippageScore*0.5 + fillRate*0.3 + timeScore*0.2
	if q > 1 {
		q = 1
	}
	return q
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
