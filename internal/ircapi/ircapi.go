// Package ircapi defines the boundary to the IRC-style network link
// that spec.md §6 treats as an external collaborator: how glines and
// notices leave the engine, and how new-user events and operator
// commands arrive. This package only carries interfaces plus a
// logging-only stub — the real transport, message parsing, and
// mail notifier are explicitly out of scope (spec.md §1).
package ircapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// GlineSender emits a network-wide ban. Reason is always "Open Proxy"
// per spec §6; duration and banID are supplied by the caller.
type GlineSender interface {
	SendGline(ip string, duration time.Duration, banID int64) error
}

// NoticeSender delivers an informational line to an operator (or, if
// target is empty, to every connected operator).
type NoticeSender interface {
	SendNotice(target, message string) error
}

// Collaborator bundles both outbound interfaces, the shape the
// dispatcher and runner are constructed with.
type Collaborator interface {
	GlineSender
	NoticeSender
}

// NewUserSource is the inbound edge of the boundary: it delivers
// newly-seen client addresses to the engine, the new_user event
// spec.md §4.5/§6 describes as arriving from the network link. The
// real network link implements this by parsing its own
// connection-notification messages; that parsing is out of scope
// (spec.md §1) the same way gline/notice transport is.
type NewUserSource interface {
	// Next blocks until a new client address arrives or ctx is done.
	Next(ctx context.Context) (net.IP, error)
}

// LoggingStub is a Collaborator that logs every outbound action
// instead of touching a real IRC link. It lets the engine's core run
// and be tested standalone, exactly the role spec.md §1 assigns the
// "IRC client link" collaborator.
type LoggingStub struct {
	Logger *zap.SugaredLogger
}

// NewLoggingStub returns a Collaborator backed by the given logger.
// A nil logger falls back to zap's no-op logger.
func NewLoggingStub(logger *zap.SugaredLogger) *LoggingStub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LoggingStub{Logger: logger}
}

// SendGline logs the gline instead of emitting it on a real link. The
// message format mirrors the original engine's irc_send() call
// (mask +*@ip, reason "Open Proxy", a URL, and the ban ID) — see
// SPEC_FULL.md §13.
func (s *LoggingStub) SendGline(ip string, duration time.Duration, banID int64) error {
	s.Logger.Infow("gline",
		"mask", fmt.Sprintf("+*@%s", ip),
		"duration_s", int(duration.Seconds()),
		"reason", "Open Proxy",
		"url", "https://example.invalid/openproxies",
		"ban_id", banID,
	)
	return nil
}

// SendNotice logs the notice instead of delivering it to an operator.
func (s *LoggingStub) SendNotice(target, message string) error {
	if target == "" {
		target = "*all-operators*"
	}
	s.Logger.Infow("notice", "target", target, "message", message)
	return nil
}

// NoopNewUserSource is a NewUserSource with no real feed: Next simply
// waits for cancellation. It plays the same "stand in for the real
// link" role on the inbound side that LoggingStub plays outbound,
// letting the engine run standalone (driven only by the "scan"
// operator command or the management API) without a real network
// link to listen on.
type NoopNewUserSource struct{}

// NewNoopNewUserSource returns a NewUserSource with no real feed.
func NewNoopNewUserSource() *NoopNewUserSource {
	return &NoopNewUserSource{}
}

// Next blocks until ctx is done, then returns ctx.Err().
func (NoopNewUserSource) Next(ctx context.Context) (net.IP, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
