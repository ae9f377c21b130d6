// Package refresher implements the background activity that keeps pool
// slot tokens fresh with respect to a TTL and reacts to invalidation
// signals fired by the datapath, grounded on the health checker's
// ticker-plus-stop-channel shape and the pool's own idle reaper loop.
package refresher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenpool/tppx/internal/tokenpool"
)

// TokenAcquirer is the one capability the Refresher needs from the
// Acquirer: perform one login round-trip. Kept as an interface so tests
// can substitute a fake upstream without an httptest server.
type TokenAcquirer interface {
	Acquire(ctx context.Context) (string, error)
}

// Refresher re-authenticates pool slots on two wake sources: a periodic
// timer and the pool's coalesced invalidation channel. ttl and interval
// are held as atomics rather than plain fields so a config hot-reload can
// update them from another goroutine while run is mid-loop, without a
// lock around every tick.
type Refresher struct {
	pool     *tokenpool.TokenPool
	acquirer TokenAcquirer
	ttl      atomic.Int64 // time.Duration nanoseconds
	interval atomic.Int64 // time.Duration nanoseconds

	onRefreshed func(slotID int)
	onError     func(slotID int, err error)

	mu     sync.Mutex
	ticker *time.Ticker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Refresher. ttl is the token age at which an unleased
// slot becomes eligible for refresh; interval is how often the timer wake
// source fires.
func New(pool *tokenpool.TokenPool, a TokenAcquirer, ttl, interval time.Duration) *Refresher {
	r := &Refresher{
		pool:     pool,
		acquirer: a,
		stopCh:   make(chan struct{}),
	}
	r.ttl.Store(int64(ttl))
	r.interval.Store(int64(interval))
	return r
}

// OnRefreshed registers a callback fired after a successful slot refresh,
// for the observability surface to count.
func (r *Refresher) OnRefreshed(f func(slotID int)) { r.onRefreshed = f }

// OnError registers a callback fired when a refresh attempt fails.
func (r *Refresher) OnError(f func(slotID int, err error)) { r.onError = f }

// SetLiveConfig updates the TTL and refresh-check interval the running
// loop uses, the mechanism behind the config package's hot-reload of
// token.ttl_seconds/token.refresh_check_seconds. Safe to call concurrently
// with run; takes effect on the next tick, and immediately reschedules
// the ticker if the loop has already started.
func (r *Refresher) SetLiveConfig(ttl, interval time.Duration) {
	r.ttl.Store(int64(ttl))
	r.interval.Store(int64(interval))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		r.ticker.Reset(interval)
	}
}

// Start begins the refresh loop in the background. Call Stop to end it.
func (r *Refresher) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Stop signals the loop to exit and waits for it. Safe to call multiple times.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Refresher) run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(r.interval.Load()))
	r.mu.Lock()
	r.ticker = ticker
	r.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refreshEligible(ctx)
		case <-r.pool.Invalidated():
			r.refreshEligible(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshEligible refreshes at most one slot at a time, bounding concurrent
// login load on the upstream. This is a design choice, not a correctness
// requirement.
func (r *Refresher) refreshEligible(ctx context.Context) {
	ttl := time.Duration(r.ttl.Load())
	for _, slotID := range r.pool.SlotsNeedingRefresh(time.Now(), ttl) {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		r.refreshSlot(ctx, slotID)
	}
}

func (r *Refresher) refreshSlot(ctx context.Context, slotID int) {
	lease, err := r.pool.AcquireSlot(ctx, slotID)
	if err != nil {
		// Pool closing or context cancelled mid-shutdown; nothing to do.
		return
	}

	token, err := r.acquirer.Acquire(ctx)
	if err != nil {
		slog.Warn("token refresh failed, slot will be retried on next wake", "slot", slotID, "err", err)
		if r.onError != nil {
			r.onError(slotID, err)
		}
		r.pool.Release(lease, tokenpool.Ok)
		return
	}

	r.pool.Replace(lease, token)
	r.pool.Release(lease, tokenpool.Ok)
	if r.onRefreshed != nil {
		r.onRefreshed(slotID)
	}
	slog.Debug("refreshed pool slot", "slot", slotID)
}
