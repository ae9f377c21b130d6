package tokenpool

import "time"

// Token is the opaque bearer string plus the mutable metadata the pool and
// the proxy datapath track about it. A zero Token is never valid: value is
// only ever set by a successful Acquirer call.
type Token struct {
	Value      string
	IssuedAt   time.Time
	LastUsedAt time.Time
	UseCount   int64
	ErrorCount int64
	Valid      bool
}

// Outcome is what a ProxyHandler reports when it releases a Lease.
type Outcome int

const (
	// Ok means the token itself was not implicated in whatever happened on
	// the connection; the slot stays valid.
	Ok Outcome = iota
	// Invalid means the upstream returned 401 for this token at least once
	// during the connection's lifetime; the slot is flagged for refresh.
	Invalid
)

func (o Outcome) String() string {
	if o == Invalid {
		return "invalid"
	}
	return "ok"
}
