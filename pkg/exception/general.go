package exception

import "errors"

// General errors
var (
	ErrNilInstance     = errors.New("nil instance")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyStarted  = errors.New("already started")
	ErrClosed          = errors.New("closed")
)
