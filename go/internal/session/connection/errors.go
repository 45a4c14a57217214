package connection

import "errors"

var (
	ErrInitializationTimeout = errors.New("peer initialization timed out")
	ErrPeerError             = errors.New("peer error")
	ErrConnectionTimeout     = errors.New("connection timed out")
	ErrConnectionError       = errors.New("connection error")
	ErrNotReady              = errors.New("peer not initialized")
	ErrSendFailure           = errors.New("no open connection to send on")
)
