package shortcut

import "errors"

var (
	// ErrInvalidPort is returned when Config.Port is out of range.
	ErrInvalidPort = errors.New("shortcut: invalid port")

	// ErrAlreadyStarted is returned when Start is called on a running Control.
	ErrAlreadyStarted = errors.New("shortcut: already started")

	// ErrNotStarted is returned when Stop is called on a Control that was
	// never started.
	ErrNotStarted = errors.New("shortcut: not started")

	// ErrInvalidInstanceName is returned when a browsed DNS-SD instance name
	// cannot be parsed back to a node id.
	ErrInvalidInstanceName = errors.New("shortcut: invalid instance name")
)
