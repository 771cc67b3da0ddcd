package obs

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects lightweight pipeline counters and latency stats.
type Metrics struct {
	signalsReceived uint64
	signalsAccepted uint64
	ordersSubmitted uint64
	ordersRejected  uint64
	ordersFilled    uint64
	ordersCancelled uint64

	mu           sync.Mutex
	rejectReason map[string]uint64

	riskEvalLatency  LatencyStats
	orderFlowLatency LatencyStats
	execLatency      LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	SignalsReceived  uint64
	SignalsAccepted  uint64
	OrdersSubmitted  uint64
	OrdersRejected   uint64
	OrdersFilled     uint64
	OrdersCancelled  uint64
	RejectReasons    map[string]uint64
	RiskEvalLatency  LatencySnapshot
	OrderFlowLatency LatencySnapshot
	ExecLatency      LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{rejectReason: make(map[string]uint64)}
}

// AddSignalsReceived counts raw signals entering the pipeline.
func (m *Metrics) AddSignalsReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.signalsReceived, uint64(n))
}

// AddSignalsAccepted counts signals surviving deduplication.
func (m *Metrics) AddSignalsAccepted(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.signalsAccepted, uint64(n))
}

// IncOrderSubmitted records an order admitted to the venue.
func (m *Metrics) IncOrderSubmitted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersSubmitted, 1)
}

// IncOrderRejected records a gate rejection under its reason code.
func (m *Metrics) IncOrderRejected(reason string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersRejected, 1)
	m.mu.Lock()
	m.rejectReason[reason]++
	m.mu.Unlock()
}

// IncOrderFilled records a fully filled order.
func (m *Metrics) IncOrderFilled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersFilled, 1)
}

// IncOrderCancelled records a cancelled order.
func (m *Metrics) IncOrderCancelled() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersCancelled, 1)
}

// ObserveRiskEval measures one risk gate evaluation.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

// ObserveOrderFlow measures signal-to-submission latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveExecution measures one completed execution.
func (m *Metrics) ObserveExecution(d time.Duration) {
	if m == nil {
		return
	}
	m.execLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	reasons := make(map[string]uint64)
	m.mu.Lock()
	for reason, n := range m.rejectReason {
		reasons[reason] = n
	}
	m.mu.Unlock()
	return Snapshot{
		SignalsReceived:  atomic.LoadUint64(&m.signalsReceived),
		SignalsAccepted:  atomic.LoadUint64(&m.signalsAccepted),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		OrdersFilled:     atomic.LoadUint64(&m.ordersFilled),
		OrdersCancelled:  atomic.LoadUint64(&m.ordersCancelled),
		RejectReasons:    reasons,
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		ExecLatency:      m.execLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
