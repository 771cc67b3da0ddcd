package recorder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"main/pkg/exception"
)

// Config tunes the async audit writer.
type Config struct {
	QueueSize     int           `json:"queueSize"`
	BatchSize     int           `json:"batchSize"`
	FlushInterval time.Duration `json:"flushInterval"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	return c
}

// Recorder buffers audit records and writes them to its sink in
// batches off the hot path. A full queue drops the record rather than
// blocking order flow.
type Recorder struct {
	cfg  Config
	sink Sink
	now  func() time.Time

	ch      chan Record
	done    chan struct{}
	running atomic.Bool
	closed  atomic.Bool
	drops   atomic.Int64
}

// NewRecorder creates a recorder writing to sink.
func NewRecorder(cfg Config, sink Sink) (*Recorder, error) {
	if sink == nil {
		return nil, exception.ErrNilInstance
	}
	cfg = cfg.withDefaults()
	return &Recorder{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
		ch:   make(chan Record, cfg.QueueSize),
		done: make(chan struct{}),
	}, nil
}

// SetClock overrides the time source. Tests only.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Record encodes the payload and enqueues it under the given kind.
// Satisfies the order manager's auditor contract.
func (r *Recorder) Record(_ context.Context, kind string, payload any) {
	if r.closed.Load() {
		return
	}
	body, err := sonic.Marshal(payload)
	if err != nil {
		logs.Warnf("audit encode %s: %v", kind, err)
		return
	}
	rec := Record{Kind: kind, Payload: body, CreatedAt: r.now()}
	select {
	case r.ch <- rec:
	default:
		r.drops.Add(1)
		logs.Warnf("audit queue full, dropped %s record", kind)
	}
}

// Drops reports records discarded due to a full queue.
func (r *Recorder) Drops() int64 { return r.drops.Load() }

// Start runs the batch writer loop.
func (r *Recorder) Start(ctx context.Context) error {
	if r.closed.Load() {
		return exception.ErrClosed
	}
	if !r.running.CompareAndSwap(false, true) {
		return exception.ErrAlreadyStarted
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()

		batch := make([]Record, 0, r.cfg.BatchSize)
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if err := r.sink.Write(context.Background(), batch); err != nil {
				logs.Errorf("audit flush %d records: %v", len(batch), err)
			}
			batch = batch[:0]
		}

		for {
			select {
			case rec, ok := <-r.ch:
				if !ok {
					flush()
					return
				}
				batch = append(batch, rec)
				if len(batch) >= r.cfg.BatchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				for {
					select {
					case rec, ok := <-r.ch:
						if !ok {
							flush()
							return
						}
						batch = append(batch, rec)
						if len(batch) >= r.cfg.BatchSize {
							flush()
						}
					default:
						flush()
						return
					}
				}
			}
		}
	}()
	return nil
}

// Close stops intake, flushes whatever is queued and waits for the
// writer loop to exit.
func (r *Recorder) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	close(r.ch)
	if r.running.Load() {
		<-r.done
	}
}
