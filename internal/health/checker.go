// Package health reports whether tppx's single token pool is alive and
// ready to serve, reduced from the teacher's per-tenant health checker
// since tppx has one pool, not one per tenant.
package health

import (
	"sync/atomic"

	"github.com/tokenpool/tppx/internal/tokenpool"
)

// Checker answers liveness and readiness questions about the pool.
// Liveness is unconditional — the process being able to answer at all is
// the liveness signal. Readiness additionally requires the pool to have
// at least one slot and the startup fill to have completed at least once.
type Checker struct {
	pool      *tokenpool.TokenPool
	filled    atomic.Bool
}

// NewChecker wires a Checker to the pool it reports on.
func NewChecker(pool *tokenpool.TokenPool) *Checker {
	return &Checker{pool: pool}
}

// MarkFilled records that the initial pool fill completed. Called once by
// startup after FillPool succeeds.
func (c *Checker) MarkFilled() {
	c.filled.Store(true)
}

// Live is always true once the process can answer the request at all.
func (c *Checker) Live() bool {
	return true
}

// Ready is true once the startup fill has completed and the pool reports
// at least one slot.
func (c *Checker) Ready() bool {
	if !c.filled.Load() {
		return false
	}
	return c.pool.Snapshot().Total >= 1
}
