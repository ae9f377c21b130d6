package proxy

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/tokenpool/tppx/internal/acquirer"
	"github.com/tokenpool/tppx/internal/metrics"
	"github.com/tokenpool/tppx/internal/tokenpool"
)

// Config is the static configuration the proxy needs beyond the pool
// itself: where to listen and which single upstream to forward to.
type Config struct {
	ListenAddr string
	Upstream   acquirer.Upstream
	TLSCert    string
	TLSKey     string
}

func (c Config) tlsEnabled() bool { return c.TLSCert != "" && c.TLSKey != "" }

// Server is the datapath: one net/http.Server whose ConnState and
// ConnContext hooks implement on-accept and on-disconnect by binding and
// releasing a Lease per TCP connection, fronting an httputil.ReverseProxy
// that implements the remaining hooks per request.
//
// on-accept and on-disconnect map onto net/http exactly once per
// connection rather than per request, since a Lease is held for the life
// of the TCP connection, not the life of a single HTTP exchange; the
// ReverseProxy hooks run once per request on that connection.
type Server struct {
	httpServer *http.Server
	pool       *tokenpool.TokenPool
	table      *bindingTable
	listenAddr string
	metrics    *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires a ReverseProxy in front of pool, listening at cfg.ListenAddr.
func NewServer(pool *tokenpool.TokenPool, cfg Config, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	table := newBindingTable()
	proxy := newReverseProxy(pool, cfg.Upstream, table, m)

	s := &Server{
		pool:       pool,
		table:      table,
		listenAddr: cfg.ListenAddr,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: proxy,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connContextKey, c)
		},
		ConnState: s.onConnState,
	}

	if cfg.tlsEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Printf("[proxy] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			s.httpServer.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}
	}

	return s
}

// onConnState implements on-accept (acquire a Lease, bind it to the
// connection) and on-disconnect (release it with whatever outcome was
// recorded). net/http runs the StateNew hook on the server's accept loop,
// before the connection's serving goroutine starts, so blocking here in
// Acquire also holds off accepting further connections until a slot is
// released; those connections wait in the listener's backlog.
func (s *Server) onConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		waitStart := time.Now()
		lease, err := s.pool.Acquire(s.ctx)
		if s.metrics != nil {
			s.metrics.AcquireWaitDuration(time.Since(waitStart))
		}
		if err != nil {
			log.Printf("[proxy] no token available for new connection: %v", err)
			conn.Close()
			return
		}
		s.table.put(conn, newBinding(lease))

	case http.StateClosed, http.StateHijacked:
		b, ok := s.table.take(conn)
		if !ok {
			return
		}
		s.pool.Release(b.lease, b.recordedOutcome())
	}
}

// ListenAndServe starts serving and blocks until the server is stopped or
// fails. TLS is used automatically when a cert/key pair was configured.
func (s *Server) ListenAndServe() error {
	log.Printf("[proxy] listening on %s", s.listenAddr)
	var err error
	if s.httpServer.TLSConfig != nil {
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the proxy server, unblocking any connection
// parked waiting on Acquire.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
