package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"main/internal/store"
)

const (
	executedKeyPrefix = "executed_signals:"
	cacheClearKey     = "last_cache_clear"
	executedTTL       = 24 * time.Hour
	cacheClearMinGap  = 5 * time.Minute
)

// Config bounds what Process lets through.
type Config struct {
	MinConfidence       float64       `json:"minConfidence"`
	MinRiskReward       float64       `json:"minRiskReward"`
	DedupWindow         time.Duration `json:"dedupWindow"`
	MaxSignalsPerSymbol int           `json:"maxSignalsPerSymbol"`
}

func (c Config) withDefaults() Config {
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.60
	}
	if c.MinRiskReward <= 0 {
		c.MinRiskReward = 1.2
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Minute
	}
	if c.MaxSignalsPerSymbol <= 0 {
		c.MaxSignalsPerSymbol = 2
	}
	return c
}

// Stats counts Process outcomes since startup.
type Stats struct {
	Received         int64
	AlreadyExecuted  int64
	QualityRejected  int64
	BatchDeduped     int64
	WindowCapped     int64
	Accepted         int64
	MarkedExecuted   int64
	ExecuteAnomalies int64
}

// Deduplicator filters a batch of signals down to the ones worth
// executing. The executed-today guard is backed by the store, so a
// symbol+action pair stays blocked across process restarts.
type Deduplicator struct {
	cfg   Config
	store store.Store
	now   func() time.Time

	mu     sync.Mutex
	recent map[string][]time.Time // symbol -> accept times inside the window
	stats  Stats
}

func NewDeduplicator(cfg Config, kv store.Store) *Deduplicator {
	return &Deduplicator{
		cfg:    cfg.withDefaults(),
		store:  kv,
		now:    time.Now,
		recent: make(map[string][]time.Time),
	}
}

// SetClock overrides the time source. Tests only.
func (d *Deduplicator) SetClock(now func() time.Time) {
	d.now = now
}

func executedKey(day time.Time, symbol, action string) string {
	return fmt.Sprintf("%s%s:%s:%s", executedKeyPrefix, day.Format("2006-01-02"), symbol, action)
}

// Process returns the subset of signals that should be executed, ranked
// by confidence. A signal is dropped when its symbol+action already
// executed today, when it fails the quality filter, when a higher
// confidence signal for the same symbol sits in the same batch, or when
// the symbol already hit the rolling-window cap.
func (d *Deduplicator) Process(ctx context.Context, signals []Signal) ([]Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.stats.Received += int64(len(signals))

	survivors := make([]Signal, 0, len(signals))
	for _, sig := range signals {
		executed, err := d.executedToday(ctx, now, sig)
		if err != nil {
			return nil, err
		}
		if executed {
			d.stats.AlreadyExecuted++
			logs.Infof("signal skipped, already executed today: %s %s", sig.Symbol, sig.Action)
			continue
		}
		if !d.passesQuality(sig) {
			d.stats.QualityRejected++
			continue
		}
		survivors = append(survivors, sig)
	}

	// Best confidence per symbol within the batch. Keying by symbol
	// alone keeps opposing actions for one symbol from going out
	// together.
	best := make(map[string]int, len(survivors))
	for i, sig := range survivors {
		if j, ok := best[sig.Symbol]; !ok || sig.Confidence > survivors[j].Confidence {
			best[sig.Symbol] = i
		}
	}
	batch := make([]Signal, 0, len(best))
	for _, i := range best {
		batch = append(batch, survivors[i])
	}
	d.stats.BatchDeduped += int64(len(survivors) - len(batch))

	sort.Slice(batch, func(i, j int) bool { return batch[i].Confidence > batch[j].Confidence })

	accepted := make([]Signal, 0, len(batch))
	for _, sig := range batch {
		if !d.admitWindow(sig.Symbol, now) {
			d.stats.WindowCapped++
			logs.Infof("signal capped by rolling window: %s", sig.Symbol)
			continue
		}
		if sig.ID == "" {
			sig.ID = uuid.NewString()
		}
		sig.Rank = len(accepted) + 1
		accepted = append(accepted, sig)
	}
	d.stats.Accepted += int64(len(accepted))
	return accepted, nil
}

// MarkExecuted records that a signal's symbol+action executed today.
// A counter above 1 means the executed-today guard was bypassed, which
// should be impossible, so it is logged loudly and surfaced in Stats.
func (d *Deduplicator) MarkExecuted(ctx context.Context, sig Signal) error {
	key := executedKey(d.now(), sig.Symbol, sig.Action)
	count, err := d.store.Incr(ctx, key, executedTTL)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.stats.MarkedExecuted++
	if count > 1 {
		d.stats.ExecuteAnomalies++
	}
	d.mu.Unlock()
	if count > 1 {
		logs.Errorf("duplicate execution recorded for %s %s, count=%d", sig.Symbol, sig.Action, count)
	}
	return nil
}

// ClearStartupCache drops stale execution markers once per process
// start. Skipped when another instance cleared less than five minutes
// ago, so a crash-loop cannot wipe the executed-today guard.
func (d *Deduplicator) ClearStartupCache(ctx context.Context) error {
	set, err := d.store.SetNX(ctx, cacheClearKey, d.now().Format(time.RFC3339), cacheClearMinGap)
	if err != nil {
		return err
	}
	if !set {
		logs.Info("startup cache clear skipped, cleared recently")
		return nil
	}
	d.mu.Lock()
	d.recent = make(map[string][]time.Time)
	d.mu.Unlock()
	logs.Info("startup signal cache cleared")
	return nil
}

// Stats returns a copy of the running counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Deduplicator) executedToday(ctx context.Context, now time.Time, sig Signal) (bool, error) {
	_, ok, err := d.store.Get(ctx, executedKey(now, sig.Symbol, sig.Action))
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (d *Deduplicator) passesQuality(sig Signal) bool {
	if !sig.complete() {
		logs.Warnf("signal missing required fields: %s", sig.Symbol)
		return false
	}
	if sig.Confidence < d.cfg.MinConfidence {
		return false
	}
	if sig.RiskReward() < d.cfg.MinRiskReward {
		return false
	}
	return true
}

func (d *Deduplicator) admitWindow(symbol string, now time.Time) bool {
	cutoff := now.Add(-d.cfg.DedupWindow)
	kept := d.recent[symbol][:0]
	for _, t := range d.recent[symbol] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= d.cfg.MaxSignalsPerSymbol {
		d.recent[symbol] = kept
		return false
	}
	d.recent[symbol] = append(kept, now)
	return true
}
