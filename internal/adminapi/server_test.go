package adminapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/tokenpool/tppx/internal/health"
	"github.com/tokenpool/tppx/internal/metrics"
	"github.com/tokenpool/tppx/internal/tokenpool"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving an address: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func startServer(t *testing.T, pool *tokenpool.TokenPool, hc *health.Checker) (addr string, stop func()) {
	t.Helper()
	addr = freeAddr(t)
	s := NewServer(pool, hc, metrics.New())
	if err := s.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get(fmt.Sprintf("http://%s/healthz", addr)); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr, func() { s.Stop() }
}

func TestHealthzAlwaysOK(t *testing.T) {
	pool, _ := tokenpool.New([]string{"t"}, 1)
	hc := health.NewChecker(pool)
	addr, stop := startServer(t, pool, hc)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzReflectsFillState(t *testing.T) {
	pool, _ := tokenpool.New([]string{"t"}, 1)
	hc := health.NewChecker(pool)
	addr, stop := startServer(t, pool, hc)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", addr))
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status before fill = %d, want 503", resp.StatusCode)
	}

	hc.MarkFilled()

	resp, err = http.Get(fmt.Sprintf("http://%s/readyz", addr))
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status after fill = %d, want 200", resp.StatusCode)
	}
}

func TestDebugPoolReportsSnapshot(t *testing.T) {
	pool, _ := tokenpool.New([]string{"a", "b"}, 2)
	hc := health.NewChecker(pool)
	addr, stop := startServer(t, pool, hc)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/debug/pool", addr))
	if err != nil {
		t.Fatalf("GET /debug/pool: %v", err)
	}
	defer resp.Body.Close()

	var snap tokenpool.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.Total != 2 {
		t.Errorf("total = %d, want 2", snap.Total)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	pool, _ := tokenpool.New([]string{"t"}, 1)
	hc := health.NewChecker(pool)
	addr, stop := startServer(t, pool, hc)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
