// Package config holds the engine-wide settings enumerated in
// spec.md §6. Configuration *file* loading is an explicit external
// collaborator non-goal — this package is a plain struct populated
// by the CLI layer, the same role monitor.Config / rotator.Config /
// server.Config play in the teacher codebase.
package config

import "time"

// Config collects every knob spec.md §6 lists.
type Config struct {
	// Port is the listener port advertised in probe requests as
	// MyPort (the wider system's own listener, not owned by this
	// engine).
	Port int

	// IP is our address in dotted-quad form, advertised as MyIP.
	IP string

	// MaxScans bounds concurrent in-flight probes (activescans).
	MaxScans int

	// RescanInterval is the cache freshness window: a clean host
	// older than this is eligible for re-verification.
	RescanInterval time.Duration

	// CacheDB is the path to the sqlite-backed Host Cache. Empty
	// opens an in-memory cache (used by tests).
	CacheDB string

	// DumpInterval is how often the cache is flushed to disk.
	DumpInterval time.Duration

	// IRC identity fields, carried through to the collaborator but
	// not interpreted by the core (the link itself is out of scope).
	Nick, User, Host, RealName string

	// Metrics HTTP listen address, e.g. "127.0.0.1:9100".
	MetricsAddr string

	// APIAddr is the listen address for the management HTTP API
	// (internal/api) that mirrors the operator commands normally
	// issued over the network link.
	APIAddr string
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		Port:           9999,
		IP:             "127.0.0.1",
		MaxScans:       200,
		RescanInterval: time.Hour,
		CacheDB:        "proxyscan.db",
		DumpInterval:   time.Hour,
		Nick:           "ProxyScan",
		User:           "proxyscan",
		Host:           "proxyscan.local",
		RealName:       "Open proxy scanner",
		MetricsAddr:    "127.0.0.1:9100",
		APIAddr:        "127.0.0.1:9098",
	}
}
