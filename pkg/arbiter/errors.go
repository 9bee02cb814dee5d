package arbiter

import "errors"

// ErrNotReady is returned by SendControl when there is no secured,
// transmission-enabled connection to write on.
var ErrNotReady = errors.New("no transmittable connection")
