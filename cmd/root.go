// Package cmd implements the proxyscand CLI using Cobra.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hiddn/gproxyscan/internal/api"
	"github.com/hiddn/gproxyscan/internal/cache"
	"github.com/hiddn/gproxyscan/internal/config"
	"github.com/hiddn/gproxyscan/internal/dispatcher"
	"github.com/hiddn/gproxyscan/internal/ircapi"
	"github.com/hiddn/gproxyscan/internal/metrics"
	"github.com/hiddn/gproxyscan/internal/queue"
	"github.com/hiddn/gproxyscan/internal/runner"
	"github.com/hiddn/gproxyscan/internal/scantype"
)

// version is injected at build time via ldflags.
var version = "dev"

// -----------------------------------------------------------------------
// Flag variables
// -----------------------------------------------------------------------

var (
	flagPort           int
	flagIP             string
	flagMaxScans       int
	flagRescanInterval string
	flagCacheDB        string
	flagDumpInterval   string
	flagMetricsAddr    string
	flagAPIAddr        string
	flagNick           string
)

// -----------------------------------------------------------------------
// Root command
// -----------------------------------------------------------------------

var rootCmd = &cobra.Command{
	Use:   "proxyscand",
	Short: "Open-proxy detection engine for an IRC-style network",
	Long: `proxyscand probes newly-seen client addresses across a configurable
set of proxy dialects (HTTP, SOCKS4, SOCKS5, Wingate, Cisco), looking for a
magic string echoed back by an open relay. Confirmed hits are cached and
banned network-wide; operators drive the engine through listopen, status,
save, scan, addscan, delscan, and debug commands.
`,
	Version:      version,
	SilenceUsage: true,
	RunE:         run,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	d := config.Default()
	f := rootCmd.Flags()

	f.IntVar(&flagPort, "port", d.Port, "Port advertised to probed targets as our own listener")
	f.StringVar(&flagIP, "ip", d.IP, "Address advertised to probed targets as our own IP")
	f.IntVar(&flagMaxScans, "maxscans", d.MaxScans, "Maximum concurrent in-flight probes")
	f.StringVar(&flagRescanInterval, "rescan-interval", d.RescanInterval.String(), "How long a clean cache record stays fresh before re-probing")
	f.StringVar(&flagCacheDB, "cache-db", d.CacheDB, "Path to the sqlite-backed host cache")
	f.StringVar(&flagDumpInterval, "dump-interval", d.DumpInterval.String(), "How often the host cache is flushed to disk")
	f.StringVar(&flagMetricsAddr, "metrics-addr", d.MetricsAddr, "Listen address for the Prometheus /metrics endpoint")
	f.StringVar(&flagAPIAddr, "api-addr", d.APIAddr, "Listen address for the management HTTP API")
	f.StringVar(&flagNick, "nick", d.Nick, "Identity presented to the network link")
}

// -----------------------------------------------------------------------
// Main run logic
// -----------------------------------------------------------------------

func run(_ *cobra.Command, _ []string) error {
	rescanInterval, err := time.ParseDuration(flagRescanInterval)
	if err != nil {
		return fmt.Errorf("--rescan-interval: %w", err)
	}
	dumpInterval, err := time.ParseDuration(flagDumpInterval)
	if err != nil {
		return fmt.Errorf("--dump-interval: %w", err)
	}

	cfg := config.Default()
	cfg.Port = flagPort
	cfg.IP = flagIP
	cfg.MaxScans = flagMaxScans
	cfg.RescanInterval = rescanInterval
	cfg.CacheDB = flagCacheDB
	cfg.DumpInterval = dumpInterval
	cfg.MetricsAddr = flagMetricsAddr
	cfg.APIAddr = flagAPIAddr
	cfg.Nick = flagNick

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	sugar.Infow("loading host cache", "path", cfg.CacheDB)
	c, err := cache.Open(cfg.CacheDB)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer c.Close()
	if c.Broken {
		sugar.Warnw("host cache was corrupt; starting with an empty cache")
	}

	table := scantype.NewTable()
	q := queue.New()
	stats := metrics.New(prometheus.DefaultRegisterer)
	collab := ircapi.NewLoggingStub(sugar)

	q.OnLagWarning = func(depth int) {
		sugar.Warnw("scan queue backing up", "depth", depth)
		collab.SendNotice("", fmt.Sprintf("scan queue depth at %d and climbing", depth))
	}

	r := runner.New(cfg, c, q, table, collab, stats, sugar)
	disp := dispatcher.New(cfg, c, q, table, r, collab, sugar)

	newUserCtx, stopNewUsers := context.WithCancel(context.Background())
	defer stopNewUsers()
	newUsers := ircapi.NewNoopNewUserSource()
	go func() {
		for {
			ip, err := newUsers.Next(newUserCtx)
			if err != nil {
				return
			}
			disp.OnNewUser(ip)
		}
	}()

	r.Start()
	defer r.Stop()

	stopEviction := startEvictionLoop(c, rescanInterval, sugar)
	defer close(stopEviction)

	stopDump := startDumpLoop(c, dumpInterval, sugar)
	defer close(stopDump)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		sugar.Infow("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("metrics server stopped", "err", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}()

	apiSrv := api.New(cfg.APIAddr, disp, sugar)
	go func() {
		sugar.Infow("management API listening", "addr", cfg.APIAddr)
		if err := apiSrv.Start(); err != nil && err != http.ErrServerClosed {
			sugar.Errorw("management API stopped", "err", err)
		}
	}()
	defer apiSrv.Stop()

	sugar.Infow("engine started", "maxscans", cfg.MaxScans, "configured_scan_types", table.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	sugar.Infow("received signal, shutting down", "signal", sig.String())

	if err := r.KillAll(); err != nil {
		sugar.Errorw("kill_all failed", "err", err)
	}
	return nil
}

// startEvictionLoop periodically prunes cache records past their
// freshness window (clean) or ban expiry (dirty), mirroring the
// original engine's periodic cache sweep.
func startEvictionLoop(c *cache.Cache, rescanInterval time.Duration, logger *zap.SugaredLogger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.EvictExpired(time.Now(), rescanInterval); n > 0 {
					logger.Debugw("evicted stale cache records", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

// startDumpLoop flushes the cache to disk on the configured interval.
func startDumpLoop(c *cache.Cache, interval time.Duration, logger *zap.SugaredLogger) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Dump(); err != nil {
					logger.Errorw("periodic cache dump failed", "err", err)
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}
