package probe

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hiddn/gproxyscan/internal/scantype"
)

// scriptConn is a net.Conn that returns a scripted sequence of read
// chunks, one per Read call, and discards writes.
type scriptConn struct {
	net.Conn
	chunks [][]byte
	idx    int

	readDeadlines int // SetReadDeadline calls seen
}

func (c *scriptConn) Read(b []byte) (int, error) {
	if c.idx >= len(c.chunks) {
		return 0, fmt.Errorf("EOF")
	}
	chunk := c.chunks[c.idx]
	c.idx++
	n := copy(b, chunk)
	return n, nil
}
func (c *scriptConn) Write(b []byte) (int, error)     { return len(b), nil }
func (c *scriptConn) Close() error                    { return nil }
func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { c.readDeadlines++; return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

// junkConn never produces the magic string and never errors, for
// exercising the read-sanity-limit cutoff.
type junkConn struct{ net.Conn }

func (c *junkConn) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = 'z'
	}
	return len(b), nil
}
func (c *junkConn) Write(b []byte) (int, error)     { return len(b), nil }
func (c *junkConn) Close() error                    { return nil }
func (c *junkConn) SetDeadline(time.Time) error      { return nil }
func (c *junkConn) SetReadDeadline(time.Time) error  { return nil }
func (c *junkConn) SetWriteDeadline(time.Time) error { return nil }

func testTarget(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Target {
	return Target{
		IP:      net.ParseIP("192.0.2.1"),
		Type:    scantype.HTTP,
		Port:    80,
		MyIP:    net.ParseIP("192.0.2.200"),
		MyPort:  31337,
		Timeout: time.Second,
		Dial:    dial,
	}
}

func TestRun_MagicAtOffsetZeroOnFirstRead_IsTreatedAsLegitLink(t *testing.T) {
	conn := &scriptConn{chunks: [][]byte{[]byte("MAGIC_junk_tail")}}
	tgt := testTarget(func(ctx context.Context, network, addr string) (net.Conn, error) { return conn, nil })
	tgt.MagicString = "MAGIC"

	res := Run(context.Background(), tgt)

	if res.Outcome != Closed {
		t.Fatalf("expected a first-read, offset-0 match to be CLOSED (legit link banner), got %v", res.Outcome)
	}
}

func TestRun_MagicAtNonzeroOffsetOnFirstRead_IsOpen(t *testing.T) {
	conn := &scriptConn{chunks: [][]byte{[]byte("XXMAGICtail")}}
	tgt := testTarget(func(ctx context.Context, network, addr string) (net.Conn, error) { return conn, nil })
	tgt.MagicString = "MAGIC"

	res := Run(context.Background(), tgt)

	if res.Outcome != Open {
		t.Fatalf("expected a nonzero-offset first-read match to be OPEN, got %v (err=%v)", res.Outcome, res.Err)
	}
	if res.MatchOffset != 2 {
		t.Fatalf("expected match offset 2, got %d", res.MatchOffset)
	}
}

func TestRun_MagicStraddlingSlideBoundary_IsDetected(t *testing.T) {
	// bufSize 8, magic "ABCD" (len 4). First read fills the buffer
	// completely with only the magic's first two bytes ("AB") at the
	// tail — no match yet, forcing a slide that keeps the last half
	// ("56AB"). The second read appends "CD", completing the magic
	// string across the slide boundary at post-slide offset 2.
	conn := &scriptConn{chunks: [][]byte{
		[]byte("123456AB"),
		[]byte("CDxy"),
	}}
	tgt := testTarget(func(ctx context.Context, network, addr string) (net.Conn, error) { return conn, nil })
	tgt.MagicString = "ABCD"
	tgt.ReadBufSize = 8

	res := Run(context.Background(), tgt)

	if res.Outcome != Open {
		t.Fatalf("expected a slide-straddling match to be OPEN, got %v (err=%v)", res.Outcome, res.Err)
	}
	if res.MatchOffset != 2 {
		t.Fatalf("expected post-slide match offset 2, got %d", res.MatchOffset)
	}
	if res.TotalRead != 12 {
		t.Fatalf("expected 12 total bytes read, got %d", res.TotalRead)
	}
}

func TestRun_ReadSanityLimitCutsOffUnboundedJunk(t *testing.T) {
	conn := &junkConn{}
	tgt := testTarget(func(ctx context.Context, network, addr string) (net.Conn, error) { return conn, nil })
	tgt.MagicString = "NEVERMATCHESANYTHING"

	res := Run(context.Background(), tgt)

	if res.Outcome != Closed {
		t.Fatalf("expected the read-sanity-limit cutoff to produce CLOSED, got %v", res.Outcome)
	}
	if res.TotalRead <= ReadSanityLimit {
		t.Fatalf("expected TotalRead past the sanity limit, got %d", res.TotalRead)
	}
}

func TestRun_SynchronousConnectFailure_IsSilentInProgress(t *testing.T) {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	res := Run(context.Background(), testTarget(dial))

	if res.Outcome != InProgress {
		t.Fatalf("expected a synchronous connect failure to be silent (InProgress), got %v", res.Outcome)
	}
}

func TestRun_ConnectAttemptTimeout_IsClosedNotSilent(t *testing.T) {
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	tgt := testTarget(dial)
	tgt.Timeout = 20 * time.Millisecond

	res := Run(context.Background(), tgt)

	if res.Outcome != Closed {
		t.Fatalf("expected a connect-phase timeout to reach CLOSED like any other phase, got %v", res.Outcome)
	}
}

func TestRun_ResponseAssembledAcrossMultipleReads_ReArmsEachTime(t *testing.T) {
	// The magic string only completes on the third read. Each read
	// must be preceded by its own conn.SetReadDeadline call (re-arming
	// per §4.3) rather than one deadline set once for the whole loop;
	// scriptConn counts those calls.
	conn := &scriptConn{chunks: [][]byte{
		[]byte("part1-"),
		[]byte("part2-"),
		[]byte("MAGIC"),
	}}
	tgt := testTarget(func(ctx context.Context, network, addr string) (net.Conn, error) { return conn, nil })
	tgt.MagicString = "MAGIC"
	tgt.Timeout = 30 * time.Millisecond

	res := Run(context.Background(), tgt)

	if res.Outcome != Open {
		t.Fatalf("expected a multi-read response to be OPEN, got %v (err=%v)", res.Outcome, res.Err)
	}
	if conn.readDeadlines != 3 {
		t.Fatalf("expected the read deadline re-armed before each of 3 reads, got %d", conn.readDeadlines)
	}
}
