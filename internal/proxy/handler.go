package proxy

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/tokenpool/tppx/internal/acquirer"
	"github.com/tokenpool/tppx/internal/metrics"
	"github.com/tokenpool/tppx/internal/tokenpool"
)

// bindingFromRequest recovers the binding for the connection a request
// arrived on, via the net.Conn ConnContext stashed in its context.
func bindingFromRequest(req *http.Request, table *bindingTable) (*binding, bool) {
	conn, ok := req.Context().Value(connContextKey).(net.Conn)
	if !ok {
		return nil, false
	}
	return table.get(conn)
}

// newReverseProxy builds the httputil.ReverseProxy fronting a single
// upstream. Its Director implements on-request-headers and
// on-upstream-select, ModifyResponse implements on-response-headers, and
// ErrorHandler implements on-error — grounded on selkies_proxy.go's
// wrapped-Director pattern.
func newReverseProxy(pool *tokenpool.TokenPool, upstream acquirer.Upstream, table *bindingTable, m *metrics.Collector) *httputil.ReverseProxy {
	scheme := "http"
	if upstream.TLS {
		scheme = "https"
	}
	target := &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", upstream.Host, upstream.Port)}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director

	proxy.Director = func(req *http.Request) {
		originalDirector(req)

		b, ok := bindingFromRequest(req, table)
		if !ok {
			return
		}
		req.Header.Del("Authorization")
		req.Header.Set("Authorization", "Bearer "+b.lease.Value())
		pool.MarkUsed(b.lease)
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		b, ok := bindingFromRequest(resp.Request, table)
		if !ok {
			return nil
		}
		if resp.StatusCode == http.StatusUnauthorized {
			b.markInvalid()
			pool.MarkError(b.lease)
			if m != nil {
				m.UpstreamUnauthorized()
				m.Invalidated()
			}
		}
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if strings.Contains(err.Error(), "connection refused") {
			status = http.StatusServiceUnavailable
		}
		log.Printf("[proxy] upstream error: %v", err)
		if m != nil {
			m.UpstreamError()
		}
		w.WriteHeader(status)
	}

	return proxy
}
