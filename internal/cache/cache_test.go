package cache

import (
	"testing"
	"time"

	"github.com/hiddn/gproxyscan/internal/scantype"
)

func TestAddCleanThenFind(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Unix(1000, 0)
	c.AddClean("192.0.2.1", now)

	h := c.Find("192.0.2.1")
	if h == nil {
		t.Fatal("expected a cache record, got nil")
	}
	if h.Dirty() {
		t.Error("freshly added clean host reports Dirty()")
	}
	if !h.Clean(now, time.Hour) {
		t.Error("freshly added host should be Clean within the rescan interval")
	}
}

func TestRecordProxy_FirstBanAssignsID(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Unix(1000, 0)
	h, first := c.RecordProxy("192.0.2.2", scantype.HTTP, 8080, now)
	if !first {
		t.Fatal("expected first RecordProxy call to report firstBan=true")
	}
	if h.GlineID == 0 {
		t.Error("expected a nonzero gline ID on first confirmed proxy")
	}
	if !h.Dirty() {
		t.Error("host with a found proxy should be Dirty()")
	}

	id1 := h.GlineID
	h2, second := c.RecordProxy("192.0.2.2", scantype.SOCKS4, 1080, now)
	if second {
		t.Error("second RecordProxy call on an already-dirty host should not report a fresh ban")
	}
	if h2.GlineID != id1 {
		t.Errorf("gline ID changed across calls: %d -> %d", id1, h2.GlineID)
	}
	if len(h2.Proxies) != 2 {
		t.Errorf("expected 2 found proxies, got %d", len(h2.Proxies))
	}
}

func TestRecordProxy_DuplicateTypePortIsNoop(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Unix(1000, 0)
	c.RecordProxy("192.0.2.3", scantype.HTTP, 8080, now)
	h, _ := c.RecordProxy("192.0.2.3", scantype.HTTP, 8080, now)
	if len(h.Proxies) != 1 {
		t.Errorf("expected duplicate (type,port) to be a no-op, got %d proxies", len(h.Proxies))
	}
}

func TestDeletePrunesPendingClean(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.AddClean("192.0.2.4", time.Unix(1000, 0))
	c.Delete("192.0.2.4")
	if h := c.Find("192.0.2.4"); h != nil {
		t.Error("expected deleted host to be absent")
	}
}

func TestEvictExpired(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	old := time.Unix(1000, 0)
	c.AddClean("192.0.2.5", old)

	now := old.Add(2 * time.Hour)
	removed := c.EvictExpired(now, time.Hour)
	if removed != 1 {
		t.Errorf("expected 1 eviction, got %d", removed)
	}
	if h := c.Find("192.0.2.5"); h != nil {
		t.Error("expected stale clean host to be evicted")
	}
}

func TestEvictExpired_DirtyRetainedUntilBanExpiry(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Unix(1000, 0)
	c.RecordProxy("192.0.2.6", scantype.HTTP, 8080, now)

	// Well within the rescan interval, but also well before ban expiry.
	removed := c.EvictExpired(now.Add(time.Minute), time.Hour)
	if removed != 0 {
		t.Errorf("expected dirty host to be retained, got %d removed", removed)
	}

	// Past ban expiry (30 minutes after RecordProxy).
	removed = c.EvictExpired(now.Add(31*time.Minute), time.Hour)
	if removed != 1 {
		t.Errorf("expected dirty host to be evicted after ban expiry, got %d removed", removed)
	}
}

func TestCounts(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Unix(1000, 0)
	c.AddClean("192.0.2.10", now)
	c.AddClean("192.0.2.11", now)
	c.RecordProxy("192.0.2.12", scantype.HTTP, 8080, now)

	clean, dirty := c.Counts()
	if clean != 2 || dirty != 1 {
		t.Errorf("expected clean=2 dirty=1, got clean=%d dirty=%d", clean, dirty)
	}
}

func TestDumpThenLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.db"

	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(5000, 0)
	c.AddClean("192.0.2.20", now)
	c.RecordProxy("192.0.2.21", scantype.SOCKS5, 1080, now)
	if err := c.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	c.Close()

	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if c2.Broken {
		t.Fatal("reloaded cache reports Broken after a clean dump")
	}

	clean, dirty := c2.Counts()
	if clean != 1 || dirty != 1 {
		t.Errorf("round-trip lost records: clean=%d dirty=%d", clean, dirty)
	}
	h := c2.Find("192.0.2.21")
	if h == nil || len(h.Proxies) != 1 || h.Proxies[0].Type != scantype.SOCKS5 {
		t.Errorf("round-trip lost found-proxy detail: %+v", h)
	}
}

func TestDirtyHosts(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	now := time.Unix(1000, 0)
	c.AddClean("192.0.2.30", now)
	c.RecordProxy("192.0.2.31", scantype.HTTP, 80, now)

	dirty := c.DirtyHosts()
	if len(dirty) != 1 || dirty[0].IP != "192.0.2.31" {
		t.Errorf("unexpected dirty host listing: %+v", dirty)
	}
}
