package types

import "errors"

// ErrMalformedRequest is returned when a peer request can not be parsed into
// the expected shape: missing fields, non-numeric prices and the like. It is
// reported to the originating peer only.
var ErrMalformedRequest = errors.New("malformed request")
