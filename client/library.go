package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/fabricd/api"
	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/fabricd/internal/proto"
	"pkt.systems/pslog"
)

// Library is the process-scoped client context. Sessions are created through
// it and are closed when it shuts down.
type Library struct {
	logger pslog.Logger
	dialer *net.Dialer

	mu          sync.Mutex
	initialized bool
	sessions    map[*Session]struct{}
}

// Option customises library construction.
type Option func(*Library)

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(l *Library) {
		l.logger = loggingutil.WithSubsystem(logger, "client")
	}
}

// WithDialer replaces the dialer used by Connect. Its Timeout is ignored in
// favour of the connect parameter block.
func WithDialer(d *net.Dialer) Option {
	return func(l *Library) {
		if d != nil {
			l.dialer = d
		}
	}
}

// NewLibrary returns an uninitialised library context.
func NewLibrary(opts ...Option) *Library {
	l := &Library{
		logger: loggingutil.WithSubsystem(nil, "client"),
		dialer: &net.Dialer{KeepAlive: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init prepares the library for Connect. Calling Init twice without a
// Shutdown in between fails with IN_USE.
func (l *Library) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return api.NewError(api.StatusInUse, "init", "library already initialized")
	}
	l.initialized = true
	l.sessions = make(map[*Session]struct{})
	l.logger.Debug("client.library.init")
	return nil
}

// Shutdown closes every open session and returns the library to the
// uninitialised state.
func (l *Library) Shutdown() error {
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return api.NewError(api.StatusUninitialized, "shutdown", "library not initialized")
	}
	l.initialized = false
	sessions := l.sessions
	l.sessions = nil
	l.mu.Unlock()

	for sess := range sessions {
		sess.shutdown()
	}
	l.logger.Debug("client.library.shutdown", "closed_sessions", len(sessions))
	return nil
}

// Initialized reports whether Init has been called without a matching Shutdown.
func (l *Library) Initialized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialized
}

// Connect opens a session to the daemon described by params. The dial and the
// protocol hello must complete within params.TimeoutMs (5000 when zero) and
// the deadline of ctx, whichever is earlier.
func (l *Library) Connect(ctx context.Context, params api.ConnectParams) (*Session, error) {
	const op = "connect"
	if !l.Initialized() {
		return nil, api.NewError(api.StatusUninitialized, op, "library not initialized")
	}
	if params.Version != api.ConnectParamsVersion {
		return nil, api.Errorf(api.StatusVersionMismatch, op, "connect params version %#x, want %#x", params.Version, api.ConnectParamsVersion)
	}
	target, err := ParseTarget(params.AddressInfo, params.AddressIsUnixSocket)
	if err != nil {
		return nil, err
	}
	timeoutMs := params.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = api.DefaultConnectTimeoutMs
	}
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	logger := l.logger.With("target", target.String())
	conn, err := l.dialer.DialContext(dialCtx, target.Network, target.Address)
	if err != nil {
		logger.Debug("client.connect.dial_failed", "error", err)
		return nil, api.Errorf(api.StatusConnectionNotValid, op, "dial %s: %v", target, err)
	}
	if err := l.hello(dialCtx, conn, params); err != nil {
		_ = conn.Close()
		logger.Debug("client.connect.hello_failed", "error", err)
		if errors.Is(err, api.StatusVersionMismatch) {
			return nil, err
		}
		return nil, api.Errorf(api.StatusConnectionNotValid, op, "hello %s: %v", target, err)
	}

	sess := &Session{
		lib:    l,
		id:     xid.New(),
		target: target,
		conn:   conn,
	}
	sess.logger = logger.With("session", sess.id.String())

	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		_ = conn.Close()
		return nil, api.NewError(api.StatusUninitialized, op, "library shut down during connect")
	}
	l.sessions[sess] = struct{}{}
	l.mu.Unlock()
	sess.logger.Debug("client.session.open")
	return sess, nil
}

func (l *Library) hello(ctx context.Context, conn net.Conn, params api.ConnectParams) error {
	payload, err := proto.EncodeHello(proto.Hello{Revision: proto.Revision, Params: params})
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	resp, err := exchange(conn, proto.Frame{Op: proto.OpHello, Payload: payload})
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	return conn.SetDeadline(time.Time{})
}

// Disconnect closes sess. Unknown or already closed sessions fail with
// BADPARAM.
func (l *Library) Disconnect(sess *Session) error {
	const op = "disconnect"
	l.mu.Lock()
	if !l.initialized {
		l.mu.Unlock()
		return api.NewError(api.StatusUninitialized, op, "library not initialized")
	}
	if sess == nil {
		l.mu.Unlock()
		return api.NewError(api.StatusBadParam, op, "nil session")
	}
	if _, ok := l.sessions[sess]; !ok {
		l.mu.Unlock()
		return api.NewError(api.StatusBadParam, op, "unknown or closed session")
	}
	delete(l.sessions, sess)
	l.mu.Unlock()

	sess.goodbye()
	sess.logger.Debug("client.session.close")
	return nil
}
