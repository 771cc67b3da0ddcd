package ops

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"

	"main/internal/dedup"
	"main/internal/engine"
	"main/internal/exchange/binance"
	"main/internal/exec"
	"main/internal/order"
	"main/internal/ratelimit"
	"main/internal/recorder"
	"main/internal/risk"
)

// Venue selection modes.
const (
	ModePaper   = "paper"
	ModeBinance = "binance"
)

// FileConfig mirrors the JSON config layout. Durations are numeric
// nanoseconds; zero values fall back to each component's defaults.
type FileConfig struct {
	Mode      string             `json:"mode"`
	Symbols   []string           `json:"symbols"`
	Dedup     dedup.Config       `json:"dedup"`
	Risk      risk.Limits        `json:"risk"`
	RateLimit ratelimit.Config   `json:"rateLimit"`
	Order     order.Config       `json:"order"`
	Exec      exec.Config        `json:"exec"`
	Engine    engine.Config      `json:"engine"`
	Recorder  recorder.Config    `json:"recorder"`
	Exchange  binance.Config     `json:"exchange"`
	Database  DatabaseConfig     `json:"database"`
	Profiling ProfilingConfig    `json:"profiling"`
	Features  FeatureFlagsConfig `json:"features"`
}

// DatabaseConfig points at the shared state store. An empty DSN keeps
// all state in memory, losing cross-restart deduplication.
type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	Enabled         bool   `json:"enabled"`
	ServerAddress   string `json:"serverAddress"`
	ApplicationName string `json:"applicationName"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	EnableExecution *bool `json:"enableExecution"`
	EnableAudit     *bool `json:"enableAudit"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	EnableExecution bool
	EnableAudit     bool
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	FileConfig
	Features FeatureFlags
}

// Load reads a JSON config file and validates it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	return Parse(data)
}

// Parse decodes and validates raw JSON config bytes.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	if cfg.Profiling.ApplicationName == "" {
		cfg.Profiling.ApplicationName = "trading-engine"
	}
	if err := validate(cfg); err != nil {
		return Loaded{}, err
	}
	return Loaded{
		FileConfig: cfg,
		Features:   resolveFeatures(cfg.Features),
	}, nil
}

func validate(cfg FileConfig) error {
	switch cfg.Mode {
	case ModePaper:
	case ModeBinance:
		if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
			return fmt.Errorf("mode %s requires exchange api credentials", cfg.Mode)
		}
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("symbols is empty")
	}
	seen := make(map[string]struct{}, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		if symbol == "" {
			return fmt.Errorf("empty symbol entry")
		}
		if _, ok := seen[symbol]; ok {
			return fmt.Errorf("duplicate symbol: %s", symbol)
		}
		seen[symbol] = struct{}{}
	}
	if cfg.Profiling.Enabled && cfg.Profiling.ServerAddress == "" {
		return fmt.Errorf("profiling enabled without server address")
	}
	return nil
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		EnableExecution: true,
		EnableAudit:     true,
	}
	if cfg.EnableExecution != nil {
		flags.EnableExecution = *cfg.EnableExecution
	}
	if cfg.EnableAudit != nil {
		flags.EnableAudit = *cfg.EnableAudit
	}
	return flags
}
