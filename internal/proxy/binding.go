package proxy

import (
	"net"
	"sync"

	"github.com/tokenpool/tppx/internal/tokenpool"
)

// connKey is the context key ConnContext stashes the accepted net.Conn
// under, so a handler that only ever sees *http.Request can recover which
// connection — and therefore which binding — a request belongs to.
type connKey struct{}

var connContextKey = connKey{}

// binding is the ephemeral per-connection state §3 calls the Binding: the
// Lease this connection holds and the outcome recorded from any response
// seen so far. It exists only between accept and close and is never
// observable from another connection.
type binding struct {
	lease *tokenpool.Lease

	mu      sync.Mutex
	outcome tokenpool.Outcome
}

func newBinding(lease *tokenpool.Lease) *binding {
	return &binding{lease: lease, outcome: tokenpool.Ok}
}

func (b *binding) markInvalid() {
	b.mu.Lock()
	b.outcome = tokenpool.Invalid
	b.mu.Unlock()
}

func (b *binding) recordedOutcome() tokenpool.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome
}

// bindingTable is the connection-keyed map from accepted net.Conn to its
// binding, populated in ConnState(StateNew) and drained in
// ConnState(StateClosed|StateHijacked).
type bindingTable struct {
	mu sync.Mutex
	m  map[net.Conn]*binding
}

func newBindingTable() *bindingTable {
	return &bindingTable{m: make(map[net.Conn]*binding)}
}

func (t *bindingTable) put(c net.Conn, b *binding) {
	t.mu.Lock()
	t.m[c] = b
	t.mu.Unlock()
}

// take removes and returns the binding for c, if any. Used on disconnect so
// every accept is paired with exactly one release.
func (t *bindingTable) take(c net.Conn) (*binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.m[c]
	if ok {
		delete(t.m, c)
	}
	return b, ok
}

func (t *bindingTable) get(c net.Conn) (*binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.m[c]
	return b, ok
}
