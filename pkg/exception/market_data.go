package exception

import "errors"

var (
	ErrMarketDataUnavailable = errors.New("market data: no real quote available")
	ErrMarketDataStale       = errors.New("market data: quote too old")
	ErrMarketDataNilSource   = errors.New("market data: nil source")
)
