package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/store"
)

// Reason is the machine-readable verdict code.
type Reason string

const (
	ReasonApproved            Reason = "APPROVED"
	ReasonDailyLimitExceeded  Reason = "DAILY_LIMIT_EXCEEDED"
	ReasonMinuteLimitExceeded Reason = "MINUTE_LIMIT_EXCEEDED"
	ReasonSecondLimitExceeded Reason = "SECOND_LIMIT_EXCEEDED"
	ReasonSymbolBanned        Reason = "SYMBOL_BANNED"
	ReasonDuplicateOrder      Reason = "DUPLICATE_ORDER"
)

const (
	banKeyPrefix       = "banned_symbols:"
	signatureKeyPrefix = "order_signature:"
	signatureTTL       = time.Minute
)

// Config carries the exchange quota limits.
type Config struct {
	DailyMax             int           `json:"dailyMax"`
	MinuteMax            int           `json:"minuteMax"`
	SecondMax            int           `json:"secondMax"`
	MaxFailuresPerSymbol int           `json:"maxFailuresPerSymbol"`
	BanDuration          time.Duration `json:"banDuration"`
}

func (cfg Config) withDefaults() Config {
	if cfg.DailyMax <= 0 {
		cfg.DailyMax = 1500
	}
	if cfg.MinuteMax <= 0 {
		cfg.MinuteMax = 120
	}
	if cfg.SecondMax <= 0 {
		cfg.SecondMax = 5
	}
	if cfg.MaxFailuresPerSymbol <= 0 {
		cfg.MaxFailuresPerSymbol = 3
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 10 * time.Minute
	}
	return cfg
}

// Verdict is the result of a CanPlace check.
type Verdict struct {
	Allowed   bool
	Reason    Reason
	Message   string
	Signature string
}

// Quota reports usage of one counter.
type Quota struct {
	Current   int `json:"current"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Status is a snapshot of all quotas and bans.
type Status struct {
	Daily         Quota          `json:"daily"`
	Minute        Quota          `json:"minute"`
	Second        Quota          `json:"second"`
	BannedSymbols []string       `json:"bannedSymbols"`
	FailureCounts map[string]int `json:"failureCounts"`
}

// Limiter gatekeeps order attempts against per-second/minute/day quotas,
// duplicate signatures and temporary symbol bans. Approval does not
// consume quota; Record does, so "may I" stays decoupled from "I did".
type Limiter struct {
	cfg   Config
	kv    store.Store
	clock func() time.Time

	mu              sync.Mutex
	dailyCount      int
	minuteCount     int
	secondCount     int
	failures        map[string]int
	lastDayReset    time.Time
	lastMinuteReset time.Time
	lastSecondReset time.Time
}

// New creates a limiter persisting bans and signatures to kv.
func New(cfg Config, kv store.Store) *Limiter {
	now := time.Now()
	return &Limiter{
		cfg:             cfg.withDefaults(),
		kv:              kv,
		clock:           time.Now,
		failures:        make(map[string]int),
		lastDayReset:    now,
		lastMinuteReset: now,
		lastSecondReset: now,
	}
}

// SetClock overrides the wall clock, for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = now
}

// CanPlace checks all limits without consuming quota. The returned
// signature must be passed back to Record after the attempt.
func (l *Limiter) CanPlace(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (Verdict, error) {
	l.mu.Lock()
	now := l.clock()
	l.resetCountersLocked(now)

	if l.dailyCount >= l.cfg.DailyMax {
		verdict := deny(ReasonDailyLimitExceeded,
			fmt.Sprintf("daily order limit reached: %d/%d", l.dailyCount, l.cfg.DailyMax))
		l.mu.Unlock()
		return verdict, nil
	}
	if l.minuteCount >= l.cfg.MinuteMax {
		verdict := deny(ReasonMinuteLimitExceeded,
			fmt.Sprintf("minute order limit reached: %d/%d", l.minuteCount, l.cfg.MinuteMax))
		l.mu.Unlock()
		return verdict, nil
	}
	if l.secondCount >= l.cfg.SecondMax {
		verdict := deny(ReasonSecondLimitExceeded,
			fmt.Sprintf("second order limit reached: %d/%d", l.secondCount, l.cfg.SecondMax))
		l.mu.Unlock()
		return verdict, nil
	}
	daily := l.dailyCount
	l.mu.Unlock()

	banned, err := l.isBanned(ctx, symbol)
	if err != nil {
		return Verdict{}, err
	}
	if banned {
		return deny(ReasonSymbolBanned,
			fmt.Sprintf("symbol %s temporarily banned due to failures", symbol)), nil
	}

	signature := l.signature(symbol, side, quantity, price, now)
	_, exists, err := l.kv.Get(ctx, signatureKeyPrefix+signature)
	if err != nil {
		return Verdict{}, err
	}
	if exists {
		return deny(ReasonDuplicateOrder,
			fmt.Sprintf("duplicate order blocked: %s %s", symbol, side)), nil
	}

	return Verdict{
		Allowed:   true,
		Reason:    ReasonApproved,
		Message:   fmt.Sprintf("order approved: %d/%d", daily+1, l.cfg.DailyMax),
		Signature: signature,
	}, nil
}

// Record consumes quota for an attempt and tracks failures. Reaching the
// failure threshold bans the symbol; the ban expires from the store on
// its own and the in-memory failure count resets.
func (l *Limiter) Record(ctx context.Context, signature string, success bool, symbol string, attemptErr error) error {
	l.mu.Lock()
	l.resetCountersLocked(l.clock())
	l.dailyCount++
	l.minuteCount++
	l.secondCount++

	var ban bool
	if !success && symbol != "" {
		l.failures[symbol]++
		if l.failures[symbol] >= l.cfg.MaxFailuresPerSymbol {
			ban = true
			l.failures[symbol] = 0
		}
	}
	l.mu.Unlock()

	if signature != "" {
		if err := l.kv.Set(ctx, signatureKeyPrefix+signature, "1", signatureTTL); err != nil {
			return err
		}
	}

	if ban {
		logs.Errorf("symbol banned after repeated failures: %s, last err: %v", symbol, attemptErr)
		if err := l.kv.Set(ctx, banKeyPrefix+symbol, "1", l.cfg.BanDuration); err != nil {
			return err
		}
	}
	return nil
}

// Unban lifts a ban early.
func (l *Limiter) Unban(ctx context.Context, symbol string) error {
	l.mu.Lock()
	delete(l.failures, symbol)
	l.mu.Unlock()
	return l.kv.Delete(ctx, banKeyPrefix+symbol)
}

// Status reports current usage. Bans are read through the store so the
// view stays correct across restarts.
func (l *Limiter) Status(ctx context.Context, symbols []string) Status {
	l.mu.Lock()
	l.resetCountersLocked(l.clock())
	status := Status{
		Daily:         Quota{l.dailyCount, l.cfg.DailyMax, l.cfg.DailyMax - l.dailyCount},
		Minute:        Quota{l.minuteCount, l.cfg.MinuteMax, l.cfg.MinuteMax - l.minuteCount},
		Second:        Quota{l.secondCount, l.cfg.SecondMax, l.cfg.SecondMax - l.secondCount},
		FailureCounts: make(map[string]int, len(l.failures)),
	}
	for symbol, count := range l.failures {
		status.FailureCounts[symbol] = count
	}
	l.mu.Unlock()

	for _, symbol := range symbols {
		if banned, err := l.isBanned(ctx, symbol); err == nil && banned {
			status.BannedSymbols = append(status.BannedSymbols, symbol)
		}
	}
	return status
}

func (l *Limiter) isBanned(ctx context.Context, symbol string) (bool, error) {
	_, banned, err := l.kv.Get(ctx, banKeyPrefix+symbol)
	return banned, err
}

// signature scopes an exact duplicate to one minute.
func (l *Limiter) signature(symbol, side string, quantity, price decimal.Decimal, now time.Time) string {
	return symbol + ":" + side + ":" + quantity.String() + ":" +
		price.StringFixed(4) + ":" + strconv.FormatInt(now.Unix()/60, 10)
}

func (l *Limiter) resetCountersLocked(now time.Time) {
	if now.YearDay() != l.lastDayReset.YearDay() || now.Year() != l.lastDayReset.Year() {
		l.dailyCount = 0
		l.lastDayReset = now
		logs.Info("daily order counters reset")
	}
	if now.Sub(l.lastMinuteReset) >= time.Minute {
		l.minuteCount = 0
		l.lastMinuteReset = now
	}
	if now.Sub(l.lastSecondReset) >= time.Second {
		l.secondCount = 0
		l.lastSecondReset = now
	}
}

func deny(reason Reason, message string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Message: message}
}
