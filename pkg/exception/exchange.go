package exception

import "errors"

var (
	ErrExchangeNotConnected   = errors.New("exchange: not connected")
	ErrExchangeOutcomeUnknown = errors.New("exchange: outcome unknown, reconcile before retry")
	ErrExchangeRejected       = errors.New("exchange: order rejected")
	ErrExchangeDecodeResponse = errors.New("exchange: decode response body")
	ErrExchangeEmptyOrderID   = errors.New("exchange: empty response order id")
	ErrExchangeMissingKeys    = errors.New("exchange: missing api credentials")
)
