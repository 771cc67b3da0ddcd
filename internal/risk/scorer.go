package risk

// CorrelationSource answers pairwise symbol correlation in [-1, 1].
type CorrelationSource interface {
	Correlation(a, b string) float64
}

// StaticCorrelations is a fixed pairwise table with a moderate default
// for unknown pairs. Suitable until a live correlation feed exists.
type StaticCorrelations struct {
	Pairs   map[[2]string]float64
	Default float64
}

func DefaultCorrelations() *StaticCorrelations {
	return &StaticCorrelations{
		Pairs: map[[2]string]float64{
			{"BTCUSDT", "ETHUSDT"}:  0.80,
			{"BTCUSDT", "ADAUSDT"}:  0.70,
			{"ETHUSDT", "ADAUSDT"}:  0.75,
			{"BTCUSDT", "DOTUSDT"}:  0.65,
			{"ETHUSDT", "LINKUSDT"}: 0.70,
		},
		Default: 0.60,
	}
}

func (s *StaticCorrelations) Correlation(a, b string) float64 {
	if a == b {
		return 1
	}
	if v, ok := s.Pairs[[2]string{a, b}]; ok {
		return v
	}
	if v, ok := s.Pairs[[2]string{b, a}]; ok {
		return v
	}
	return s.Default
}

// Scorer turns a snapshot into a black swan probability in [0, 1].
// Pluggable so the scoring heuristics can be replaced without touching
// the gate.
type Scorer interface {
	BlackSwanProbability(snap Snapshot) float64
}

// HeuristicScorer averages stress factors triggered by elevated
// correlation, concentration and volatility, plus a baseline market
// stress term.
type HeuristicScorer struct {
	MarketStress float64
}

func (h HeuristicScorer) BlackSwanProbability(snap Snapshot) float64 {
	stress := h.MarketStress
	if stress <= 0 {
		stress = 0.2
	}
	factors := []float64{stress}
	if snap.CorrelationRisk > 0.8 {
		factors = append(factors, 0.4)
	}
	if snap.ConcentrationRisk > 0.5 {
		factors = append(factors, 0.3)
	}
	if snap.VolatilityRisk > 0.8 {
		factors = append(factors, 0.3)
	}
	sum := 0.0
	for _, f := range factors {
		sum += f
	}
	p := sum / float64(len(factors))
	if p > 1 {
		p = 1
	}
	return p
}
