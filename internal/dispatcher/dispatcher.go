// Package dispatcher implements the engine's two inbound edges (spec
// §4.5): new-user events from the wider network, which expand into
// queued probes against every configured scan-type entry, and
// operator commands, which inspect or mutate engine state directly.
// Both arrive through the same external-collaborator boundary
// (internal/ircapi) the rest of the engine treats as out of scope.
package dispatcher

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiddn/gproxyscan/internal/cache"
	"github.com/hiddn/gproxyscan/internal/config"
	"github.com/hiddn/gproxyscan/internal/ircapi"
	"github.com/hiddn/gproxyscan/internal/queue"
	"github.com/hiddn/gproxyscan/internal/runner"
	"github.com/hiddn/gproxyscan/internal/scantype"
)

// Dispatcher wires new-user and operator-command events onto the
// Scan Queue, Host Cache, and scan-type Table.
type Dispatcher struct {
	cfg    config.Config
	cache  *cache.Cache
	queue  *queue.Queue
	table  *scantype.Table
	runner *runner.Runner
	collab ircapi.Collaborator
	logger *zap.SugaredLogger

	nowFn func() time.Time
}

// New constructs a Dispatcher.
func New(cfg config.Config, c *cache.Cache, q *queue.Queue, table *scantype.Table, r *runner.Runner, collab ircapi.Collaborator, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		cfg:    cfg,
		cache:  c,
		queue:  q,
		table:  table,
		runner: r,
		collab: collab,
		logger: logger,
		nowFn:  time.Now,
	}
}

// OnNewUser handles a freshly-seen IP address (spec §4.5's new_user
// event). A dirty cache hit re-glines immediately without re-probing;
// a fresh clean hit is a no-op; everything else expands into one
// queued NORMAL probe per configured scan-type entry.
func (d *Dispatcher) OnNewUser(ip net.IP) {
	now := d.nowFn()
	ipStr := ip.String()

	if h := d.cache.Find(ipStr); h != nil {
		if h.Dirty() {
			if err := d.collab.SendGline(ipStr, 1800*time.Second, h.GlineID); err != nil {
				d.logger.Errorw("re-gline on cache hit failed", "ip", ipStr, "err", err)
			}
			return
		}
		if h.Clean(now, d.cfg.RescanInterval) {
			return
		}
	}

	entries := d.table.All()
	for _, e := range entries {
		d.queue.Enqueue(queue.Task{
			IP:        append(net.IP(nil), ip...),
			Type:      e.Type,
			Port:      e.Port,
			Class:     scantype.NORMAL,
			NotBefore: now,
		}, now)
	}
	if d.runner != nil {
		d.runner.Kick()
	}
}

// ForceScan implements the operator-forced "scan a.b.c.d" command
// (spec §4.5 scenario 5; original_source/proxyscan.c:305-316's
// queuescan loop over thescans[]): it enqueues a NORMAL probe against
// every configured scan-type entry unconditionally, bypassing the
// cache short-circuit OnNewUser applies for organically-seen
// addresses. A forced scan of an already-dirty or already-clean host
// must still re-probe, not just re-gline or no-op.
func (d *Dispatcher) ForceScan(ip net.IP) int {
	now := d.nowFn()
	entries := d.table.All()
	for _, e := range entries {
		d.queue.Enqueue(queue.Task{
			IP:        append(net.IP(nil), ip...),
			Type:      e.Type,
			Port:      e.Port,
			Class:     scantype.NORMAL,
			NotBefore: now,
		}, now)
	}
	if d.runner != nil {
		d.runner.Kick()
	}
	return len(entries)
}

// ScanAll implements the operator-forced full-cache re-scan (spec
// §4.2/§9) against a single (type, port) pair: every currently-clean
// cache host is re-queued as a NORMAL probe. Hosts already in flight
// are not joined — they'll be picked up fresh on their own next
// dispatch, per the resolved Open Question in SPEC_FULL.md §9.
func (d *Dispatcher) ScanAll(typ scantype.Type, port int) int {
	now := d.nowFn()
	n := 0
	for _, h := range d.cache.CleanHosts() {
		ip := net.ParseIP(h.IP)
		if ip == nil {
			continue
		}
		d.queue.Enqueue(queue.Task{
			IP:        ip,
			Type:      typ,
			Port:      port,
			Class:     scantype.NORMAL,
			NotBefore: now,
		}, now)
		n++
	}
	if d.runner != nil {
		d.runner.Kick()
	}
	return n
}

// Stats is the structured counters snapshot spec.md §6's
// on_stats_request callback returns: scans active, hosts queued, and
// clean/dirty cache sizes.
type Stats struct {
	Active     int
	Queued     int
	CleanHosts int
	DirtyHosts int
	ScanTypes  int
}

// OnStatsRequest implements spec.md §6's on_stats_request callback,
// returning the structured counters that StatsNotice renders as text.
func (d *Dispatcher) OnStatsRequest() Stats {
	clean, dirty := d.cache.Counts()
	active := 0
	if d.runner != nil {
		active = d.runner.ActiveCount()
	}
	return Stats{
		Active:     active,
		Queued:     d.queue.Len(),
		CleanHosts: clean,
		DirtyHosts: dirty,
		ScanTypes:  d.table.Len(),
	}
}

// StatsNotice formats the two-line human-readable statistics notice
// (SPEC_FULL.md §13's proxyscanstats text).
func (d *Dispatcher) StatsNotice() string {
	s := d.OnStatsRequest()
	return fmt.Sprintf(
		"Proxyscan: %d active, %d queued, %d clean hosts, %d dirty hosts\n"+
			"Scan types: %d configured",
		s.Active, s.Queued, s.CleanHosts, s.DirtyHosts, s.ScanTypes,
	)
}

// OnOperatorMessage dispatches one line of operator input arriving
// over the network link (spec §4.5) and replies through the
// collaborator's notice channel. Non-operators are ignored outright.
func (d *Dispatcher) OnOperatorMessage(sender, text string, isOperator bool) {
	if !isOperator {
		return
	}
	d.reply(sender, d.RunCommand(sender, text))
}

// RunCommand executes one operator command line and returns its
// reply text directly, instead of sending it through the
// collaborator. The management HTTP API (internal/api) uses this:
// the caller having reached the API at all is the authorization
// boundary there, the same way isOperator gates the network-link
// path. Recognized commands: listopen, status, save, debug, scan,
// addscan, delscan, and help.
func (d *Dispatcher) RunCommand(sender, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "listopen":
		return d.listOpen()
	case "status":
		return d.StatsNotice()
	case "save":
		if err := d.cache.Dump(); err != nil {
			return fmt.Sprintf("save failed: %v", err)
		}
		return "cache saved"
	case "debug":
		return d.debugDump()
	case "scan":
		return d.handleScan(args)
	case "addscan":
		return d.handleAddScan(args)
	case "delscan":
		return d.handleDelScan(args)
	case "help":
		return helpText
	default:
		return fmt.Sprintf("unknown command %q; try help", cmd)
	}
}

func (d *Dispatcher) reply(sender, msg string) {
	if err := d.collab.SendNotice(sender, msg); err != nil {
		d.logger.Errorw("send notice failed", "sender", sender, "err", err)
	}
}

// listOpen renders every dirty host, sorted for stable output, the
// restored equivalent of the original engine's listopen command.
func (d *Dispatcher) listOpen() string {
	hosts := d.cache.DirtyHosts()
	if len(hosts) == 0 {
		return "no confirmed open proxies"
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].IP < hosts[j].IP })

	var b strings.Builder
	fmt.Fprintf(&b, "%d confirmed open proxies:\n", len(hosts))
	for _, h := range hosts {
		fmt.Fprintf(&b, "%s (gline %d):", h.IP, h.GlineID)
		for _, p := range h.Proxies {
			fmt.Fprintf(&b, " %s:%d", p.Type, p.Port)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// debugDump renders the configured scan-type table with lifetime hit
// counts, the restored equivalent of the original engine's debug
// command.
func (d *Dispatcher) debugDump() string {
	entries := d.table.All()
	if len(entries) == 0 {
		return "no scan types configured"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d scan types configured:\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "%s:%d hits=%d\n", e.Type, e.Port, e.Hits)
	}
	return b.String()
}

func (d *Dispatcher) handleScan(args []string) string {
	if len(args) != 1 {
		return "usage: scan a.b.c.d"
	}
	ip := net.ParseIP(args[0])
	if ip == nil {
		return fmt.Sprintf("invalid address %q", args[0])
	}
	n := d.ForceScan(ip)
	return fmt.Sprintf("queued %d scan(s) of %s", n, ip)
}

func (d *Dispatcher) handleAddScan(args []string) string {
	typ, port, err := parseTypePort(args, "addscan")
	if err != nil {
		return err.Error()
	}
	if err := d.table.Add(typ, port); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("added %s:%d", typ, port)
}

func (d *Dispatcher) handleDelScan(args []string) string {
	typ, port, err := parseTypePort(args, "delscan")
	if err != nil {
		return err.Error()
	}
	if err := d.table.Del(typ, port); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("removed %s:%d", typ, port)
}

func parseTypePort(args []string, cmd string) (scantype.Type, int, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("usage: %s <type> <port>", cmd)
	}
	typ, err := scantype.ParseType(args[0])
	if err != nil {
		return 0, 0, err
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		return 0, 0, fmt.Errorf("invalid port %q", args[1])
	}
	return typ, port, nil
}

const helpText = "commands: listopen, status, save, debug, scan <ip>, addscan <type> <port>, delscan <type> <port>, help"
