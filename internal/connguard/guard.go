// Package connguard blocks remote hosts that repeatedly open session
// connections without completing a hello.
package connguard

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/pslog"
)

// ErrBlocked is returned by Probe for a remote that is currently blocked.
var ErrBlocked = errors.New("connguard: remote blocked")

// Config controls handshake protection on TCP listeners.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of failed handshakes before blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting failures.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host remains blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for the first byte of a new session.
	ProbeTimeout time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failed handshakes per remote host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	hosts  map[string]*hostState
}

// New constructs a Guard. A nil *Guard is valid and never blocks.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, "server.connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// Enabled reports whether g enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled
}

// RecordFailure counts a failed handshake from remote and reports whether the
// host is now blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if !g.Enabled() || g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[remote]
	if state == nil {
		state = &hostState{}
		g.hosts[remote] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.blocked",
		"remote", remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("connguard.unblocked", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.hosts, remote)
	}
	return false
}

// Probe waits up to the probe timeout for the first byte on conn and returns
// a connection that replays it. A peer that closes before sending anything
// counts as a failure; a slow peer does not.
func (g *Guard) Probe(conn net.Conn) (net.Conn, error) {
	if !g.Enabled() || conn == nil {
		return conn, nil
	}
	remote := RemoteHost(conn)
	if remote == "" {
		return conn, nil
	}
	if g.Blocked(remote) {
		return nil, ErrBlocked
	}
	if g.cfg.ProbeTimeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(g.now().Add(g.cfg.ProbeTimeout)); err != nil {
		g.logger.Warn("connguard.deadline", "remote", remote, "error", err)
		return conn, nil
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			g.logger.Debug("connguard.probe.timeout", "remote", remote)
			return nil, err
		}
		g.RecordFailure(remote, "zero_connect")
		return nil, err
	}
	if n == 0 {
		g.RecordFailure(remote, "zero_connect")
		return nil, io.EOF
	}
	return &prefixedConn{Conn: conn, prefix: buffer[:n]}, nil
}

// WrapListener returns a listener that drops connections from blocked hosts.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// RemoteHost returns the host part of the peer address of conn, or "" for
// connections without an IP peer such as unix sockets.
func RemoteHost(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil || addr.Network() == "unix" {
		return ""
	}
	return normalizeRemoteAddr(addr.String())
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := RemoteHost(conn)
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Warn("connguard.rejected", "remote", remote, "reason", "blocked")
		_ = conn.Close()
	}
}

type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}
