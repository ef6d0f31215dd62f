package common

import "errors"

// Failure classes shared by every component. Callers match them with
// errors.Is; components wrap them with context using %w.
var (
	ErrConnection      = errors.New("connection error")
	ErrConnectionLost  = errors.New("connection lost")
	ErrAuth            = errors.New("authentication error")
	ErrProtocol        = errors.New("protocol error")
	ErrSequenceGap     = errors.New("sequence gap")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTimeout         = errors.New("request timed out")
	ErrCancelled       = errors.New("request cancelled")
	ErrUnknownOrder    = errors.New("unknown order")
	ErrNotSubscribed   = errors.New("instrument not subscribed")
)
