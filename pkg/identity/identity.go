package identity

import "strings"

// Addr is an opaque peer address, in public or identity-resolved form.
// Values are comparable and immutable once observed in a radio event.
type Addr string

// None is the zero Addr, meaning no peer.
const None Addr = ""

// Normalize canonicalizes an address string so that the same peer observed
// through different code paths compares equal.
func Normalize(s string) Addr {
	return Addr(strings.ToLower(strings.TrimSpace(s)))
}

func (a Addr) String() string {
	return string(a)
}

// Short returns an abbreviated form for log lines.
func (a Addr) Short() string {
	if len(a) <= 8 {
		return string(a)
	}
	return string(a[:8])
}
