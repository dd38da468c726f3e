// Package runner implements the Scan Runner (spec §4.4): it owns the
// set of live probes, honors the concurrent-scans ceiling, drives
// each probe to completion, and on terminal outcome reports to the
// Host Cache and enqueues follow-up passes into the Scan Queue.
//
// Per the design notes in spec.md §9, live probes are indexed by an
// opaque ID — not by the raw OS socket handle the original engine
// hashed on, a known footgun once handles are reused after close.
package runner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiddn/gproxyscan/internal/cache"
	"github.com/hiddn/gproxyscan/internal/config"
	"github.com/hiddn/gproxyscan/internal/ircapi"
	"github.com/hiddn/gproxyscan/internal/metrics"
	"github.com/hiddn/gproxyscan/internal/probe"
	"github.com/hiddn/gproxyscan/internal/queue"
	"github.com/hiddn/gproxyscan/internal/scantype"
)

// glineDuration is the fixed gline lifetime (§4.4), 1800 seconds.
const glineDuration = 1800 * time.Second

// retryDelay is the fixed PASS2/PASS3/PASS4 spacing (§4.4).
const retryDelay = 300 * time.Second

// pollInterval bounds how long the dispatch loop can sleep when
// nothing is queued and no delayed retry is pending; Queue.Wake short
// circuits it whenever a new task arrives.
const pollInterval = time.Second

type liveProbe struct {
	task   queue.Task
	cancel context.CancelFunc
}

// Runner drives probes to completion under a concurrency ceiling.
type Runner struct {
	cfg    config.Config
	cache  *cache.Cache
	queue  *queue.Queue
	table  *scantype.Table
	collab ircapi.Collaborator
	stats  *metrics.Metrics
	logger *zap.SugaredLogger

	sem chan struct{}

	mu     sync.Mutex
	active map[int64]*liveProbe
	inUse  map[string]struct{} // "ip|type|port" keys currently probed
	nextID int64

	nowFn  func() time.Time
	dialFn func(ctx context.Context, network, addr string) (net.Conn, error)

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Runner. Call Start to begin its dispatch loop.
func New(cfg config.Config, c *cache.Cache, q *queue.Queue, table *scantype.Table, collab ircapi.Collaborator, stats *metrics.Metrics, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	maxScans := cfg.MaxScans
	if maxScans <= 0 {
		maxScans = 200
	}
	r := &Runner{
		cfg:    cfg,
		cache:  c,
		queue:  q,
		table:  table,
		collab: collab,
		stats:  stats,
		logger: logger,
		sem:    make(chan struct{}, maxScans),
		active: make(map[int64]*liveProbe),
		inUse:  make(map[string]struct{}),
		nowFn:  time.Now,
		dialFn: (&net.Dialer{}).DialContext,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	q.Wake = r.Kick
	return r
}

func inUseKey(t queue.Task) string {
	return fmt.Sprintf("%s|%s|%d", t.IP.String(), t.Type, t.Port)
}

// ActiveCount returns the number of probes currently in flight
// (activescans in the original engine).
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Start launches the dispatch loop: it pulls eligible tasks off the
// queue whenever a concurrency slot is free, waking either on
// Queue.Wake or on the next delayed retry's deadline.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.dispatchLoop()
}

// Stop halts the dispatch loop. It does not cancel in-flight probes;
// call KillAll for that.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Kick nudges the dispatch loop to retry immediately. Safe to call
// from any goroutine (it is Queue's Wake callback).
func (r *Runner) Kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) dispatchLoop() {
	defer r.wg.Done()
	for {
		r.drainQueue()

		if r.stats != nil {
			r.stats.HostsQueued.Set(float64(r.queue.Len()))
			clean, dirty := r.cache.Counts()
			r.stats.CleanCount.Set(float64(clean))
			r.stats.DirtyCount.Set(float64(dirty))
		}

		wait := pollInterval
		if dl, ok := r.queue.NextDelayDeadline(); ok {
			if d := time.Until(dl); d > 0 && d < wait {
				wait = d
			} else if d <= 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		case <-r.stop:
			timer.Stop()
			return
		}
	}
}

// drainQueue pops and starts every task it can while slots remain
// free, mirroring Queue.kick()'s "while activescans < maxscans" loop.
func (r *Runner) drainQueue() {
	for {
		select {
		case r.sem <- struct{}{}:
		default:
			return // at the concurrency ceiling
		}

		task, ok := r.queue.Pop(r.nowFn())
		if !ok {
			<-r.sem // nothing to run; give the slot back
			return
		}
		r.startProbeLocked(task)
	}
}

// StartProbe is the §4.4 start_probe entry point, exposed so the
// dispatcher can enqueue-and-kick in one independent call path (tests
// exercise it directly too). It acquires its own slot, matching
// drainQueue's ceiling enforcement.
func (r *Runner) StartProbe(task queue.Task) bool {
	select {
	case r.sem <- struct{}{}:
	default:
		return false
	}
	r.startProbeLocked(task)
	return true
}

func (r *Runner) startProbeLocked(task queue.Task) {
	key := inUseKey(task)

	r.mu.Lock()
	if _, dup := r.inUse[key]; dup {
		r.mu.Unlock()
		<-r.sem
		// Invariant (§3): at most one probe per (IP,type,port). A
		// duplicate here means a stale retry raced a forced re-scan;
		// drop it rather than violate the invariant.
		return
	}
	r.nextID++
	id := r.nextID
	ctx, cancel := context.WithCancel(context.Background())
	r.active[id] = &liveProbe{task: task, cancel: cancel}
	r.inUse[key] = struct{}{}
	r.mu.Unlock()

	if r.stats != nil {
		r.stats.ActiveScans.Set(float64(r.ActiveCount()))
	}

	r.wg.Add(1)
	go r.runProbe(ctx, id, key, task)
}

func (r *Runner) runProbe(ctx context.Context, id int64, key string, task queue.Task) {
	defer r.wg.Done()

	target := probe.Target{
		IP:     task.IP,
		Type:   task.Type,
		Port:   task.Port,
		Class:  task.Class,
		MyIP:   net.ParseIP(r.cfg.IP),
		MyPort: r.cfg.Port,
		Dial:   r.dialFn,
	}
	res := probe.Run(ctx, target)

	r.mu.Lock()
	delete(r.active, id)
	delete(r.inUse, key)
	r.mu.Unlock()
	<-r.sem

	if r.stats != nil {
		r.stats.ActiveScans.Set(float64(r.ActiveCount()))
	}

	if res.Outcome == probe.InProgress {
		// Synchronous connect failure (§7) — as opposed to the
		// connect attempt's own timeout, which probe.Run reports as
		// CLOSED and which falls through to killSock below: silent,
		// no slot was consumed for scheduling purposes beyond what we
		// already released, and no retry is queued.
		r.logger.Debugw("probe connect failed", "ip", task.IP, "type", task.Type, "port", task.Port, "err", res.Err)
		return
	}

	r.killSock(task, res)
}

// killSock implements §4.4's kill_sock: update statistics, decide the
// retry chain, and on OPEN, record the cache hit and emit a gline.
func (r *Runner) killSock(task queue.Task, res probe.Result) {
	open := res.Outcome == probe.Open
	if r.stats != nil {
		r.stats.RecordTerminal(task.Class, open)
	}

	now := r.nowFn()

	if !open {
		if task.Class == scantype.NORMAL && res.Phase == probe.Connecting {
			// A first-contact probe that never got connected (its connect
			// attempt timed out) starts no retry chain (§4.4 phase gate).
			return
		}
		r.scheduleFollowUp(task, now)
		return
	}

	host, firstBan := r.cache.RecordProxy(task.IP.String(), task.Type, task.Port, now)
	r.table.RecordHit(task.Type, task.Port)

	if firstBan {
		if r.stats != nil {
			r.stats.GlinesIssued.Inc()
		}
		if err := r.collab.SendGline(task.IP.String(), glineDuration, host.GlineID); err != nil {
			r.logger.Errorw("send gline failed", "ip", task.IP, "err", err)
		}
		r.logger.Infow("confirmed open proxy", "ip", task.IP, "type", task.Type, "port", task.Port, "gline_id", host.GlineID)
	} else {
		r.logger.Infow("additional proxy on already-glined host", "ip", task.IP, "type", task.Type, "port", task.Port, "gline_id", host.GlineID)
	}
}

// scheduleFollowUp applies the §4.4 CLOSED retry-chain rule.
func (r *Runner) scheduleFollowUp(task queue.Task, now time.Time) {
	// A CLOSED outcome reaching killSock either connected (phase
	// SENT_REQUEST or GOT_RESPONSE) or timed out during the connect
	// attempt itself (phase CONNECTING, per §7) — a synchronous
	// connect syscall failure short-circuits as InProgress before
	// this point and never reaches here. killSock has already applied
	// the §4.4 phase gate: a NORMAL probe closed in phase CONNECTING
	// is not passed here, while CHECK and the later passes advance
	// whatever phase they ended in.
	var next scantype.Class
	switch task.Class {
	case scantype.CHECK, scantype.NORMAL:
		next = scantype.PASS2
	case scantype.PASS2:
		next = scantype.PASS3
	case scantype.PASS3:
		next = scantype.PASS4
	default:
		return // PASS4 CLOSED ends the chain
	}

	r.queue.Enqueue(queue.Task{
		IP:        task.IP,
		Type:      task.Type,
		Port:      task.Port,
		Class:     next,
		NotBefore: now.Add(retryDelay),
	}, now)
}

// KillAll implements §4.4's kill_all: cancel every live probe without
// running its follow-up, prune any cache entry left clean-but-pending
// for an IP that was still being probed, then persist the cache.
func (r *Runner) KillAll() error {
	r.mu.Lock()
	probes := make([]*liveProbe, 0, len(r.active))
	for _, lp := range r.active {
		probes = append(probes, lp)
	}
	r.mu.Unlock()

	for _, lp := range probes {
		if h := r.cache.Find(lp.task.IP.String()); h != nil && !h.Dirty() {
			r.cache.Delete(lp.task.IP.String())
		}
		lp.cancel()
	}
	r.wg.Wait()

	return r.cache.Dump()
}
