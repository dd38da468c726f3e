// Package cache implements the Host Cache (spec §4.1): a persistent
// mapping from IPv4 address to clean/dirty record, backed by SQLite
// so it survives restarts without hand-rolling a file format.
package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hiddn/gproxyscan/internal/scantype"
)

// FoundProxy is one confirmed (type, port) relay on a dirty host.
type FoundProxy struct {
	Type scantype.Type
	Port int
}

// Host is a cache record for one IPv4 address.
type Host struct {
	IP       string
	LastSeen time.Time
	Proxies  []FoundProxy
	GlineID  int64
	BanUntil time.Time
}

// Dirty reports whether this host has one or more confirmed proxies.
func (h *Host) Dirty() bool { return len(h.Proxies) > 0 }

// Clean reports whether h is within the rescan interval and carries
// no confirmed proxies.
func (h *Host) Clean(now time.Time, rescanInterval time.Duration) bool {
	return !h.Dirty() && now.Sub(h.LastSeen) < rescanInterval
}

// Cache is the Host Cache. All methods are safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	db     *sql.DB
	hosts  map[string]*Host
	nextID int64

	// Broken is set when Load() found a corrupt database; the engine
	// keeps running with an empty cache rather than failing startup.
	Broken bool
}

// Open creates or opens the sqlite-backed cache at path and loads any
// existing records. path == "" opens an in-memory database (tests).
func Open(path string) (*Cache, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	c := &Cache{db: db, hosts: make(map[string]*Host)}
	if err := c.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	c.Load()
	return c, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) ensureSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS hosts (
			ip        TEXT PRIMARY KEY,
			last_seen INTEGER NOT NULL,
			gline_id  INTEGER NOT NULL DEFAULT 0,
			ban_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS found_proxies (
			ip   TEXT NOT NULL,
			type INTEGER NOT NULL,
			port INTEGER NOT NULL,
			PRIMARY KEY (ip, type, port)
		);
	`)
	return err
}

// Find returns the cache record for ip, or nil if absent.
func (c *Cache) Find(ip string) *Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hosts[ip]
	if !ok {
		return nil
	}
	cp := *h
	cp.Proxies = append([]FoundProxy(nil), h.Proxies...)
	return &cp
}

// AddClean inserts (or refreshes) a clean record for ip. Idempotent.
func (c *Cache) AddClean(ip string, now time.Time) *Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.hosts[ip]
	if !ok {
		h = &Host{IP: ip}
		c.hosts[ip] = h
	}
	h.LastSeen = now
	return h
}

// RecordProxy transitions ip to dirty, appending the (type, port) hit
// if it isn't already recorded, and assigning a ban ID if it has none
// yet. Returns the updated host and whether this was its first-ever
// ban ID assignment (the caller uses that to decide whether to emit a
// fresh gline or just refresh the log, per §4.4).
func (c *Cache) RecordProxy(ip string, typ scantype.Type, port int, now time.Time) (host *Host, firstBan bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.hosts[ip]
	if !ok {
		h = &Host{IP: ip}
		c.hosts[ip] = h
	}
	h.LastSeen = now

	found := false
	for _, fp := range h.Proxies {
		if fp.Type == typ && fp.Port == port {
			found = true
			break
		}
	}
	if !found {
		h.Proxies = append(h.Proxies, FoundProxy{Type: typ, Port: port})
	}

	if h.GlineID == 0 {
		c.nextID++
		h.GlineID = c.nextID
		h.BanUntil = now.Add(30 * time.Minute)
		firstBan = true
	}

	cp := *h
	cp.Proxies = append([]FoundProxy(nil), h.Proxies...)
	return &cp, firstBan
}

// Delete removes ip's cache record outright. Used during engine
// shutdown to prune pending-but-unconfirmed clean records so they are
// never persisted as falsely clean (killallscans in the original).
func (c *Cache) Delete(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.hosts, ip)
}

// EvictExpired removes clean hosts whose last-seen is older than
// rescanInterval, and dirty hosts whose ban has expired. It is safe
// to call on a schedule or from a lookup path.
func (c *Cache) EvictExpired(now time.Time, rescanInterval time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for ip, h := range c.hosts {
		if h.Dirty() {
			if !h.BanUntil.IsZero() && now.After(h.BanUntil) {
				delete(c.hosts, ip)
				removed++
			}
			continue
		}
		if now.Sub(h.LastSeen) >= rescanInterval {
			delete(c.hosts, ip)
			removed++
		}
	}
	return removed
}

// Counts reports the size of the clean and dirty indices.
func (c *Cache) Counts() (clean, dirty int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, h := range c.hosts {
		if h.Dirty() {
			dirty++
		} else {
			clean++
		}
	}
	return clean, dirty
}

// DirtyHosts returns a snapshot of every dirty (proxy-confirmed)
// host, for the "listopen" operator command.
func (c *Cache) DirtyHosts() []Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Host
	for _, h := range c.hosts {
		if h.Dirty() {
			cp := *h
			cp.Proxies = append([]FoundProxy(nil), h.Proxies...)
			out = append(out, cp)
		}
	}
	return out
}

// CleanHosts returns a snapshot of every clean (no confirmed proxies)
// host, for operator-forced re-scans across the whole cache.
func (c *Cache) CleanHosts() []Host {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Host
	for _, h := range c.hosts {
		if !h.Dirty() {
			out = append(out, *h)
		}
	}
	return out
}

// Dump serializes the in-memory index to the backing SQLite database.
// Safe to call on a recurring schedule and on graceful shutdown.
func (c *Cache) Dump() error {
	c.mu.RLock()
	hosts := make([]*Host, 0, len(c.hosts))
	for _, h := range c.hosts {
		cp := *h
		cp.Proxies = append([]FoundProxy(nil), h.Proxies...)
		hosts = append(hosts, &cp)
	}
	c.mu.RUnlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("dump: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM hosts`); err != nil {
		return fmt.Errorf("dump: clear hosts: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM found_proxies`); err != nil {
		return fmt.Errorf("dump: clear proxies: %w", err)
	}

	for _, h := range hosts {
		if _, err := tx.Exec(
			`INSERT INTO hosts (ip, last_seen, gline_id, ban_until) VALUES (?, ?, ?, ?)`,
			h.IP, h.LastSeen.Unix(), h.GlineID, h.BanUntil.Unix(),
		); err != nil {
			return fmt.Errorf("dump: insert host %s: %w", h.IP, err)
		}
		for _, fp := range h.Proxies {
			if _, err := tx.Exec(
				`INSERT INTO found_proxies (ip, type, port) VALUES (?, ?, ?)`,
				h.IP, int(fp.Type), fp.Port,
			); err != nil {
				return fmt.Errorf("dump: insert proxy for %s: %w", h.IP, err)
			}
		}
	}

	return tx.Commit()
}

// Load repopulates the in-memory index from the backing database.
// Corruption (a query failure against a schema we just created) sets
// Broken and proceeds with an empty cache rather than failing the
// whole engine.
func (c *Cache) Load() {
	hosts := make(map[string]*Host)
	var maxID int64

	rows, err := c.db.Query(`SELECT ip, last_seen, gline_id, ban_until FROM hosts`)
	if err != nil {
		c.mu.Lock()
		c.Broken = true
		c.hosts = hosts
		c.mu.Unlock()
		return
	}
	for rows.Next() {
		var ip string
		var lastSeen, glineID, banUntil int64
		if err := rows.Scan(&ip, &lastSeen, &glineID, &banUntil); err != nil {
			rows.Close()
			c.mu.Lock()
			c.Broken = true
			c.hosts = make(map[string]*Host)
			c.mu.Unlock()
			return
		}
		hosts[ip] = &Host{
			IP:       ip,
			LastSeen: time.Unix(lastSeen, 0),
			GlineID:  glineID,
			BanUntil: time.Unix(banUntil, 0),
		}
		if glineID > maxID {
			maxID = glineID
		}
	}
	rows.Close()

	prows, err := c.db.Query(`SELECT ip, type, port FROM found_proxies`)
	if err != nil {
		c.mu.Lock()
		c.Broken = true
		c.hosts = make(map[string]*Host)
		c.mu.Unlock()
		return
	}
	for prows.Next() {
		var ip string
		var typ, port int
		if err := prows.Scan(&ip, &typ, &port); err != nil {
			continue
		}
		if h, ok := hosts[ip]; ok {
			h.Proxies = append(h.Proxies, FoundProxy{Type: scantype.Type(typ), Port: port})
		}
	}
	prows.Close()

	c.mu.Lock()
	c.hosts = hosts
	c.nextID = maxID
	c.mu.Unlock()
}
