package exception

import "errors"

var (
	ErrStoreNilClient = errors.New("store: nil client")
)
