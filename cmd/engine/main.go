package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/grafana/pyroscope-go"

	"main/internal/dedup"
	"main/internal/engine"
	"main/internal/exchange"
	"main/internal/exchange/binance"
	"main/internal/exchange/paper"
	"main/internal/exec"
	"main/internal/market"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/order"
	"main/internal/ratelimit"
	"main/internal/recorder"
	"main/internal/risk"
	"main/internal/store"
	"main/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		log.Printf("engine: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to JSON config")
	signalsPath := flag.String("signals", "", "Path to a JSON signal batch to process on startup")
	oneShot := flag.Bool("one-shot", false, "Exit after processing the startup signal batch")
	flag.Parse()

	loaded, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if loaded.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: loaded.Profiling.ApplicationName,
			ServerAddress:   loaded.Profiling.ServerAddress,
		})
		if err != nil {
			return fmt.Errorf("profiling: %w", err)
		}
		defer profiler.Stop()
	}

	kv, sink, closeDB, err := openState(loaded)
	if err != nil {
		return err
	}
	defer closeDB()

	client, source, err := openVenue(ctx, loaded)
	if err != nil {
		return err
	}

	valuer, err := exchange.NewBalanceValuer(client, source, "USDT")
	if err != nil {
		return err
	}
	gate, err := risk.NewGate(loaded.Risk, valuer, risk.DefaultCorrelations(), nil)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(loaded.RateLimit, kv)

	var auditor order.Auditor
	var audit *recorder.Recorder
	if loaded.Features.EnableAudit {
		audit, err = recorder.NewRecorder(loaded.Recorder, sink)
		if err != nil {
			return err
		}
		if err := audit.Start(ctx); err != nil {
			return err
		}
		defer audit.Close()
		auditor = audit
	}

	manager, err := order.NewManager(loaded.Order, client, source, gate, limiter, auditor)
	if err != nil {
		return err
	}

	var execEngine *exec.Engine
	if loaded.Features.EnableExecution {
		execEngine, err = exec.NewEngine(loaded.Exec, manager, client, source)
		if err != nil {
			return err
		}
	}

	deduper := dedup.NewDeduplicator(loaded.Dedup, kv)
	if err := deduper.ClearStartupCache(ctx); err != nil {
		log.Printf("startup cache clear: %v", err)
	}

	metrics := obs.NewMetrics()
	manager.SetMetrics(metrics)
	if execEngine != nil {
		execEngine.SetMetrics(metrics)
	}
	pipeline, err := engine.NewPipeline(loaded.Engine, deduper, manager, execEngine, valuer, metrics)
	if err != nil {
		return err
	}

	if err := gate.Start(ctx); err != nil {
		return err
	}
	defer gate.Close()
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Close()
	if execEngine != nil {
		if err := execEngine.Start(ctx); err != nil {
			return err
		}
		defer execEngine.Close()
	}

	log.Printf("engine up: mode=%s symbols=%v execution=%t audit=%t",
		loaded.Mode, loaded.Symbols, execEngine != nil, audit != nil)

	if *signalsPath != "" {
		if err := processSignalFile(ctx, pipeline, *signalsPath); err != nil {
			return err
		}
		if *oneShot {
			reportMetrics(metrics, execEngine)
			return nil
		}
	}

	<-ctx.Done()
	reportMetrics(metrics, execEngine)
	return nil
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Parse([]byte(`{"symbols":["BTCUSDT","ETHUSDT"]}`))
	}
	return ops.Load(path)
}

// openState picks the shared state store and audit sink. Without a
// database the engine loses cross-restart deduplication, which is fine
// for paper runs.
func openState(loaded ops.Loaded) (store.Store, recorder.Sink, func(), error) {
	if loaded.Database.DSN == "" {
		log.Printf("no database configured, state is in-memory only")
		return store.NewMemory(), recorder.NewMemorySink(), func() {}, nil
	}
	client, err := conn.New(conn.Option{ConnString: loaded.Database.DSN})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database: %w", err)
	}
	kv, err := store.NewPostgres(client.DB())
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	sink, err := recorder.NewGormSink(client.DB())
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := client.Close(); err != nil {
			log.Printf("database close: %v", err)
		}
	}
	return kv, sink, closeDB, nil
}

func openVenue(ctx context.Context, loaded ops.Loaded) (exchange.Client, market.Source, error) {
	switch loaded.Mode {
	case ops.ModeBinance:
		client, err := binance.New(loaded.Exchange, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return client, client, nil
	default:
		venue := paper.NewVenue()
		return venue, venue, nil
	}
}

func processSignalFile(ctx context.Context, pipeline *engine.Pipeline, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	var signals []dedup.Signal
	if err := sonic.Unmarshal(data, &signals); err != nil {
		return fmt.Errorf("signals: %w", err)
	}
	for i := range signals {
		if signals[i].GeneratedAt.IsZero() {
			signals[i].GeneratedAt = time.Now()
		}
	}

	outcomes, err := pipeline.ProcessSignals(ctx, signals)
	if err != nil {
		return err
	}
	for _, outcome := range outcomes {
		if outcome.Accepted {
			log.Printf("signal %s %s -> order %s",
				outcome.Signal.Symbol, outcome.Signal.Action, outcome.OrderID)
		} else {
			log.Printf("signal %s %s rejected: %s",
				outcome.Signal.Symbol, outcome.Signal.Action, outcome.Reason)
		}
	}
	return nil
}

func reportMetrics(metrics *obs.Metrics, execEngine *exec.Engine) {
	s := metrics.Snapshot()
	log.Printf("metrics: signals=%d/%d orders=%d rejected=%v order_flow=%+v risk_eval=%+v",
		s.SignalsAccepted, s.SignalsReceived, s.OrdersSubmitted, s.RejectReasons,
		s.OrderFlowLatency, s.RiskEvalLatency)
	if execEngine != nil {
		m := execEngine.PerformanceMetrics()
		log.Printf("execution: executed=%d pending=%d avg_slippage=%.5f zero_slippage=%.2f avg_quality=%.2f",
			m.OrdersExecuted, m.PendingOrders, m.AverageSlippage, m.ZeroSlippageRate, m.AverageQuality)
	}
}
