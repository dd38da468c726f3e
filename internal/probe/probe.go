// Package probe implements the per-connection proxy-dialect state
// machine: opening one outbound TCP probe, sending the dialect's
// connect-back request, and watching the response for the magic
// string that signals an open relay.
package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hiddn/gproxyscan/internal/scantype"
)

// Phase tracks where a Probe is in its (short) lifecycle. It exists
// mainly for observability and testing — the goroutine driving a
// Probe moves through these linearly, there is no separate callback
// per phase the way the original event loop required.
type Phase int

const (
	Connecting Phase = iota
	SentRequest
	GotResponse
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "CONNECTING"
	case SentRequest:
		return "SENT_REQUEST"
	case GotResponse:
		return "GOT_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the terminal classification of a Probe.
type Outcome int

const (
	InProgress Outcome = iota
	Open
	Closed
)

func (o Outcome) String() string {
	switch o {
	case InProgress:
		return "IN_PROGRESS"
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ReadBufSize is the fixed capacity of a Probe's sliding read buffer
// (PSCAN_READBUFSIZE in the original engine). It must be at least
// twice the length of the longest magic string in use (§9).
const ReadBufSize = 4096

// ReadSanityLimit caps the total bytes a Probe will read across its
// whole lifetime before giving up without a detection.
const ReadSanityLimit = 102400

// DefaultTimeout is the per-phase timeout (SCANTIMEOUT, 60s).
const DefaultTimeout = 60 * time.Second

// DefaultMagicString is the ASCII marker the wider system's listener
// emits on every inbound connection. Detecting it at a nonzero offset
// in a probe's response is the positive open-proxy signal.
const DefaultMagicString = "XPRXYSCNX"

// Target describes what to probe and how.
type Target struct {
	IP    net.IP
	Type  scantype.Type
	Port  int
	Class scantype.Class

	// MyIP / MyPort identify the wider system's listener: the
	// connect-back target every dialect's request asks the probed
	// host to reach.
	MyIP   net.IP
	MyPort int

	// MagicString overrides DefaultMagicString; empty means use the
	// default. Tests use this to exercise the sliding-window match
	// with a buffer size much smaller than ReadBufSize.
	MagicString string

	// ReadBufSize overrides ReadBufSize for the same reason; zero
	// means use the package default.
	ReadBufSize int

	// Timeout overrides DefaultTimeout; zero means use the default.
	Timeout time.Duration

	// Dial lets callers substitute a fake dialer in tests. Nil means
	// use net.Dialer.DialContext against IP:Port.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Result is what a completed Probe reports back to its caller.
type Result struct {
	Target       Target
	Outcome      Outcome
	Phase        Phase
	MatchOffset  int // valid only for Outcome == Open
	TotalRead    int
	Err          error // the reason for a CLOSED outcome, if any
}

// Run drives one probe to completion: dial, send the dialect's
// request, then read until the magic string is found, the read
// ceiling is hit, EOF arrives, or ctx is cancelled/times out.
//
// This collapses the original engine's CONNECTING / SENT_REQUEST /
// GOT_RESPONSE callback-driven phases into one linear function body,
// the idiomatic Go equivalent of a single-threaded poll loop: the
// goroutine calling Run *is* the suspension point. Unlike a single
// shared deadline over the whole call, the timeout is re-armed at
// each phase transition and after every read (§4.3's "the timeout is
// re-armed" rule, the original's scheduleoneshot calls at
// proxyscan.c:541 and :668) — ctx only carries cancellation (e.g. a
// shutdown via kill_all), never the per-phase deadline itself.
func Run(ctx context.Context, t Target) Result {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	res := Result{Target: t, Phase: Connecting, Outcome: InProgress}

	dial := t.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	addr := net.JoinHostPort(t.IP.String(), fmt.Sprintf("%d", t.Port))

	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	conn, err := dial(dialCtx, "tcp", addr)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	dialCancel()
	if err != nil {
		if timedOut {
			// The connect attempt itself ran past its timeout (§7):
			// unlike a synchronous connect failure, this is a CLOSED
			// outcome like any other phase's timeout — it reaches the
			// same kill_sock stats/retry path, since against an
			// unresponsive or filtered host this is the single most
			// common way a probe ends.
			res.Outcome = Closed
			res.Err = fmt.Errorf("connect timed out: %w", err)
			return res
		}
		// A synchronous connect failure (socket()/connect() syscall
		// error, e.g. ECONNREFUSED): per §7, the probe never enters
		// the live registry and no retry is scheduled. Run's caller
		// is responsible for treating this distinctly from a CLOSED
		// outcome reached after connecting or timing out.
		res.Outcome = InProgress
		res.Err = err
		return res
	}
	defer conn.Close()

	// CONNECTING -> SENT_REQUEST: re-arm the timeout.
	res.Phase = SentRequest
	req := buildRequest(t)
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		res.Outcome = Closed
		res.Err = err
		return res
	}
	n, err := conn.Write(req)
	if err != nil || n < len(req) {
		res.Outcome = Closed
		res.Err = fmt.Errorf("short write (%d/%d bytes): %w", n, len(req), err)
		return res
	}

	return readForMagic(ctx, conn, t, timeout, res)
}

// buildRequest encodes the dialect-specific connect-back request, per
// the §4.3 wire table.
func buildRequest(t Target) []byte {
	myIPStr := t.MyIP.String()
	switch t.Type {
	case scantype.HTTP:
		return []byte(fmt.Sprintf("CONNECT %s:%d HTTP/1.0\r\n\r\n", myIPStr, t.MyPort))

	case scantype.SOCKS4:
		buf := make([]byte, 9)
		buf[0] = 0x04
		buf[1] = 0x01
		binary.BigEndian.PutUint16(buf[2:4], uint16(t.MyPort))
		copy(buf[4:8], t.MyIP.To4())
		buf[8] = 0x00
		return buf

	case scantype.SOCKS5:
		greeting := []byte{0x05, 0x01, 0x00}
		connect := make([]byte, 10)
		connect[0] = 0x05
		connect[1] = 0x01
		connect[2] = 0x00
		connect[3] = 0x01
		binary.BigEndian.PutUint32(connect[4:8], ipToUint32(t.MyIP))
		binary.BigEndian.PutUint16(connect[8:10], uint16(t.MyPort))
		return append(greeting, connect...)

	case scantype.WINGATE:
		return []byte(fmt.Sprintf("%s:%d\r\n", myIPStr, t.MyPort))

	case scantype.CISCO:
		return []byte(fmt.Sprintf("cisco\r\ntelnet %s %d\r\n", myIPStr, t.MyPort))

	default:
		return nil
	}
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// readForMagic implements the SENT_REQUEST read loop: accumulate into
// a fixed sliding buffer, scan for the magic string after every read,
// slide the buffer when full, and enforce the total-read ceiling. The
// read deadline is re-armed before every single read, so a response
// that trickles in over many reads — provided no individual gap
// exceeds timeout — is never wrongly timed out on cumulative
// wall-clock (§4.3).
func readForMagic(ctx context.Context, conn net.Conn, t Target, timeout time.Duration, res Result) Result {
	bufSize := t.ReadBufSize
	if bufSize <= 0 {
		bufSize = ReadBufSize
	}
	magic := t.MagicString
	if magic == "" {
		magic = DefaultMagicString
	}
	magicLen := len(magic)

	readbuf := make([]byte, bufSize)
	bytesInBuffer := 0
	totalRead := 0
	firstRead := true

	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			res.Outcome = Closed
			res.Err = err
			res.TotalRead = totalRead
			return res
		}
		n, err := conn.Read(readbuf[bytesInBuffer:])
		if n <= 0 {
			if ctx.Err() != nil {
				res.Outcome = Closed
				res.Err = ctx.Err()
				res.TotalRead = totalRead
				return res
			}
			// EOF (n==0), this read's own deadline expiring, or a
			// hard read error all terminate CLOSED; a non-blocking
			// socket's EINTR/EWOULDBLOCK has no equivalent on a
			// blocking net.Conn read and is therefore never seen
			// here.
			res.Outcome = Closed
			res.Err = err
			res.TotalRead = totalRead
			return res
		}

		bytesInBuffer += n
		totalRead += n
		res.Phase = GotResponse

		if magicLen > 0 && bytesInBuffer >= magicLen {
			for i := 0; i <= bytesInBuffer-magicLen; i++ {
				if string(readbuf[i:i+magicLen]) == magic {
					if i == 0 && firstRead {
						// A marker at the very start of the very
						// first read means the remote connected
						// straight back to us before we even asked —
						// that's the legitimate network link's own
						// banner, not an open relay (§4.3).
						res.Outcome = Closed
						res.TotalRead = totalRead
						return res
					}
					res.Outcome = Open
					res.MatchOffset = i
					res.TotalRead = totalRead
					return res
				}
			}
		}
		firstRead = false

		if bytesInBuffer == bufSize {
			half := bufSize / 2
			copy(readbuf, readbuf[half:bufSize])
			bytesInBuffer = half
		}

		if totalRead > ReadSanityLimit {
			res.Outcome = Closed
			res.Err = fmt.Errorf("read sanity limit exceeded (%d bytes)", totalRead)
			res.TotalRead = totalRead
			return res
		}
	}
}
