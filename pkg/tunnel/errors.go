package tunnel

import "errors"

// Errors returned by this package. Queue-full and routing-restricted
// conditions use the weaveerr sentinels directly so callers that already
// switch on weaveerr.Code see the same failure whether it originates here
// or elsewhere in the stack.
var (
	ErrAlreadyStarted   = errors.New("tunnel: already started")
	ErrNotStarted       = errors.New("tunnel: not started")
	ErrNoActiveTunnel   = errors.New("tunnel: no active tunnel")
	ErrInvalidPacket    = errors.New("tunnel: packet too short for tunnel header")
	ErrUnsupportedVersion = errors.New("tunnel: unsupported tunnel header version")
	ErrNotDialable      = errors.New("tunnel: dialer not configured")
)
