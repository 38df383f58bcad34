package store

import "errors"

// ErrUnavailable is wrapped into every error this package returns when
// the underlying link is down or a call exceeds its deadline (spec
// §4.1, §7).
var ErrUnavailable = errors.New("store unavailable")
