package reliable

import "errors"

// ErrTableFull is returned by Table.Add when no free slot is available.
var ErrTableFull = errors.New("reliable: retransmit table full")
