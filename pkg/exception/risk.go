package exception

import "errors"

var (
	ErrRiskNoValuation = errors.New("risk: no real portfolio valuation available")
	ErrRiskNilValuer   = errors.New("risk: nil portfolio valuer")
)
