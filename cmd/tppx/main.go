// Command tppx fronts a database's bearer-token-authenticated REST API
// with a reverse proxy that pre-warms a pool of tokens from one shared
// credential and binds exactly one token per client connection.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokenpool/tppx/internal/acquirer"
	"github.com/tokenpool/tppx/internal/adminapi"
	"github.com/tokenpool/tppx/internal/config"
	"github.com/tokenpool/tppx/internal/health"
	"github.com/tokenpool/tppx/internal/metrics"
	"github.com/tokenpool/tppx/internal/proxy"
	"github.com/tokenpool/tppx/internal/refresher"
	"github.com/tokenpool/tppx/internal/tokenpool"
)

// logLevel backs the slog handler's level so telemetry.log_filter can be
// adjusted live by the config watcher without restarting the process.
var logLevel = new(slog.LevelVar)

// applyLogFilter parses the telemetry.log_filter config value into a
// slog.Level. An empty or unrecognized filter leaves the current level
// untouched rather than resetting it, so a malformed hot-reload doesn't
// silently fall back to debug/info.
func applyLogFilter(filter string) {
	switch strings.ToLower(strings.TrimSpace(filter)) {
	case "":
		return
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		log.Printf("[config] ignoring unrecognized log_filter %q", filter)
	}
}

func main() {
	configPath := flag.String("config", "configs/tppx.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	log.Printf("tppx starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyLogFilter(cfg.Telemetry.LogFilter)
	log.Printf("Configuration loaded from %s (upstream %s:%d, pool_size %d)",
		*configPath, cfg.Upstream.Host, cfg.Upstream.Port, cfg.Token.PoolSize)

	m := metrics.New()

	a := acquirer.New(
		acquirer.Upstream{Host: cfg.Upstream.Host, Port: cfg.Upstream.Port, TLS: cfg.Upstream.TLS},
		acquirer.Credential{Username: cfg.Credential.Username, Password: cfg.Credential.Password},
		cfg.Token.AcquireTimeout,
	)
	a.ObserveDuration(m.LoginDuration)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 60*time.Second)
	tokens, err := refresher.FillPool(startupCtx, a, cfg.Token.PoolSize, cfg.Token.PoolSize)
	cancelStartup()
	if err != nil {
		log.Fatalf("Failed to fill initial token pool: %v", err)
	}
	log.Printf("Acquired %d initial tokens", len(tokens))

	pool, err := tokenpool.New(tokens, cfg.Token.PoolSize)
	if err != nil {
		log.Fatalf("Failed to construct token pool: %v", err)
	}

	hc := health.NewChecker(pool)
	hc.MarkFilled()

	r := refresher.New(pool, a, cfg.Token.TTL(), cfg.Token.RefreshCheckInterval())
	r.OnRefreshed(func(slotID int) { m.RefreshSucceeded() })
	r.OnError(func(slotID int, err error) { m.RefreshFailed() })

	refresherCtx, cancelRefresher := context.WithCancel(context.Background())
	r.Start(refresherCtx)

	go reportPoolStats(refresherCtx, pool, m)

	proxyServer := proxy.NewServer(pool, proxy.Config{
		ListenAddr: cfg.Listen,
		Upstream:   acquirer.Upstream{Host: cfg.Upstream.Host, Port: cfg.Upstream.Port, TLS: cfg.Upstream.TLS},
	}, m)

	adminServer := adminapi.NewServer(pool, hc, m)
	if err := adminServer.Start(cfg.HealthListen); err != nil {
		log.Fatalf("Failed to start admin server: %v", err)
	}

	go func() {
		if err := proxyServer.ListenAndServe(); err != nil {
			log.Fatalf("Proxy server failed: %v", err)
		}
	}()

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		r.SetLiveConfig(newCfg.Token.TTL(), newCfg.Token.RefreshCheckInterval())
		applyLogFilter(newCfg.Telemetry.LogFilter)
		log.Printf("Applied live config reload: ttl=%s refresh_check=%s log_filter=%q",
			newCfg.Token.TTL(), newCfg.Token.RefreshCheckInterval(), newCfg.Telemetry.LogFilter)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("tppx ready - proxy:%s admin:%s", cfg.Listen, cfg.HealthListen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if err := proxyServer.Stop(); err != nil {
		log.Printf("Error stopping proxy server: %v", err)
	}
	if err := adminServer.Stop(); err != nil {
		log.Printf("Error stopping admin server: %v", err)
	}
	cancelRefresher()
	r.Stop()
	pool.Close()

	log.Printf("tppx stopped")
}

// reportPoolStats periodically pushes the pool's snapshot into the
// Prometheus gauges, since the pool itself never talks to the metrics
// collector directly.
func reportPoolStats(ctx context.Context, pool *tokenpool.TokenPool, m *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := pool.Snapshot()
			m.UpdatePoolStats(s.Total, s.InUse, s.Available, s.Waiting)
		case <-ctx.Done():
			return
		}
	}
}
