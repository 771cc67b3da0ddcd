package exception

import "errors"

var (
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
	ErrOrderUnsupportedType   = errors.New("order: unsupported type")
	ErrOrderUnknown           = errors.New("order: not found")
	ErrOrderDuplicate         = errors.New("order: already exists")
	ErrOrderTerminal          = errors.New("order: already terminal")
	ErrOrderInvalidTransition = errors.New("order: invalid state transition")
	ErrOrderInvalidFill       = errors.New("order: invalid fill quantity")
	ErrOrderQueueFull         = errors.New("order: queue full")
	ErrOrderRiskRejected      = errors.New("order: rejected by risk gate")
	ErrOrderRateLimited       = errors.New("order: rejected by rate limiter")
)

var (
	ErrBracketUnknown     = errors.New("bracket: not found")
	ErrBracketInactive    = errors.New("bracket: inactive")
	ErrConditionalUnknown = errors.New("conditional: not found")
)
