package fabricd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/fabricd/api"
	"pkt.systems/fabricd/internal/connguard"
	"pkt.systems/fabricd/internal/proto"
	"pkt.systems/pslog"
)

// PeerAddr is the remote address of a unix-socket session. It carries the
// peer process credentials when the platform exposes them.
type PeerAddr struct {
	Path string
	PID  int32
	UID  uint32
	GID  uint32
}

// Network implements net.Addr.
func (a *PeerAddr) Network() string { return "unix" }

func (a *PeerAddr) String() string {
	return fmt.Sprintf("pid=%d uid=%d gid=%d", a.PID, a.UID, a.GID)
}

// errServerClosing ends sessions that are still opening when shutdown starts.
var errServerClosing = errors.New("server shutting down")

type peerConn struct {
	net.Conn
	peer *PeerAddr
}

func (c *peerConn) RemoteAddr() net.Addr { return c.peer }

type session struct {
	id     xid.ID
	conn   net.Conn
	remote string
	logger pslog.Logger

	mu     sync.Mutex
	busy   bool
	closed bool
}

// interrupt wakes an idle session so it notices shutdown. A busy session
// finishes its current request first.
func (s *session) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy && !s.closed {
		_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	}
}

// arm sets the read deadline for the next request unless the server is
// closing.
func (s *session) arm(closing func() bool, deadline time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if closing() {
		return false
	}
	_ = s.conn.SetReadDeadline(deadline)
	return true
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
}

func (s *session) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.sessionWG.Done()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	host := connguard.RemoteHost(conn)

	probed, err := s.guard.Probe(conn)
	if err != nil {
		s.logger.Debug("session.probe.failed", "remote", remote, "error", err)
		_ = conn.Close()
		return
	}
	sess := &session{
		id:     xid.New(),
		conn:   probed,
		remote: remote,
	}
	sess.logger = s.logger.With("session", sess.id.String(), "remote", remote)
	if !s.track(sess) {
		_ = conn.Close()
		return
	}
	defer func() {
		s.untrack(sess)
		sess.close()
	}()

	start := s.clock.Now()
	if err := s.handshake(sess); err != nil {
		status := api.StatusOf(err)
		var netErr net.Error
		timedOut := errors.As(err, &netErr) && netErr.Timeout()
		if errors.Is(err, errServerClosing) {
			sess.logger.Debug("session.hello.aborted", "reason", "shutdown")
			return
		}
		if status != api.StatusVersionMismatch && !timedOut && !errors.Is(err, io.EOF) {
			s.guard.RecordFailure(host, "bad_hello")
		}
		sess.logger.Warn("session.hello.rejected", "status", status.String(), "error", err)
		return
	}
	s.metrics.sessionOpened(s.baseCtx)
	defer s.metrics.sessionClosed(s.baseCtx)
	if peer, ok := conn.RemoteAddr().(*PeerAddr); ok {
		sess.logger.Info("session.open", "peer_pid", peer.PID, "peer_uid", peer.UID, "peer_gid", peer.GID)
	} else {
		sess.logger.Info("session.open")
	}

	reason := s.sessionLoop(sess)
	sess.logger.Info("session.close", "reason", reason, "duration", s.clock.Now().Sub(start).String())
}

func (s *Server) handshake(sess *session) error {
	if !sess.arm(s.closing, s.clock.Now().Add(s.cfg.HelloTimeout)) {
		return errServerClosing
	}
	req, err := proto.ReadFrame(sess.conn)
	if err != nil {
		return err
	}
	if req.Op != proto.OpHello || req.IsResponse() {
		return api.Errorf(api.StatusGenericError, "hello", "first frame is %s", req.Op)
	}
	hello, err := proto.DecodeHello(req.Payload)
	if err != nil {
		_ = proto.WriteFrame(sess.conn, proto.ErrorResponse(req, err))
		return err
	}
	if err := proto.WriteFrame(sess.conn, proto.Response(req, nil)); err != nil {
		return err
	}
	sess.logger.Debug("session.hello",
		"revision", hello.Revision,
		"target", hello.Params.AddressInfo,
		"unix", hello.Params.AddressIsUnixSocket,
		"timeout_ms", hello.Params.TimeoutMs,
	)
	return nil
}

// sessionLoop serves requests strictly one at a time and returns why the
// session ended.
func (s *Server) sessionLoop(sess *session) string {
	for {
		var deadline time.Time
		if s.cfg.SessionIdleTimeout > 0 {
			deadline = s.clock.Now().Add(s.cfg.SessionIdleTimeout)
		}
		if !sess.arm(s.closing, deadline) {
			return "shutdown"
		}
		req, err := proto.ReadFrame(sess.conn)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				return "eof"
			case s.closing():
				return "shutdown"
			case errors.As(err, &netErr) && netErr.Timeout():
				return "idle"
			default:
				sess.logger.Warn("session.read.failed", "error", err)
				return "read_error"
			}
		}
		sess.setBusy(true)
		resp, done := s.dispatch(sess, req)
		writeErr := proto.WriteFrame(sess.conn, resp)
		sess.setBusy(false)
		if writeErr != nil {
			sess.logger.Warn("session.write.failed", "op", req.Op.String(), "error", writeErr)
			return "write_error"
		}
		if done {
			return "goodbye"
		}
	}
}

func (s *Server) dispatch(sess *session, req proto.Frame) (proto.Frame, bool) {
	if req.IsResponse() {
		return proto.ErrorResponse(req, api.NewError(api.StatusGenericError, req.Op.String(), "unexpected response frame")), false
	}
	if req.Op == proto.OpGoodbye {
		return proto.Response(req, nil), true
	}

	ctx := pslog.ContextWithLogger(s.baseCtx, sess.logger)
	ctx, span := s.tracer.Start(ctx, "fabricd."+req.Op.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("fabricd.session", sess.id.String()),
			attribute.String("fabricd.op", req.Op.String()),
		),
	)
	defer span.End()

	start := s.clock.Now()
	payload, err := s.handle(ctx, req)
	status := api.StatusOf(err)
	s.metrics.request(ctx, req.Op, status, s.clock.Now().Sub(start))
	if err != nil {
		span.SetStatus(codes.Error, status.String())
		span.SetAttributes(attribute.String("fabricd.status", status.String()))
		sess.logger.Debug("session.request.failed", "op", req.Op.String(), "status", status.String(), "error", err)
		return proto.ErrorResponse(req, err), false
	}
	return proto.Response(req, payload), false
}

func (s *Server) handle(ctx context.Context, req proto.Frame) ([]byte, error) {
	switch req.Op {
	case proto.OpHello:
		return nil, api.NewError(api.StatusGenericError, "hello", "session already established")
	case proto.OpGetSupportedPartitions:
		if err := checkVersion(req, api.FabricPartitionListVersion); err != nil {
			return nil, err
		}
		list, err := s.service.Supported(ctx)
		if err != nil {
			return nil, err
		}
		return list.MarshalBinary()
	case proto.OpGetUnsupportedPartitions:
		if err := checkVersion(req, api.UnsupportedFabricPartitionListVersion); err != nil {
			return nil, err
		}
		list, err := s.service.Unsupported(ctx)
		if err != nil {
			return nil, err
		}
		return list.MarshalBinary()
	case proto.OpGetNvlinkFailedDevices:
		if err := checkVersion(req, api.NvlinkFailedDevicesVersion); err != nil {
			return nil, err
		}
		report, err := s.service.FailedDevices(ctx)
		if err != nil {
			return nil, err
		}
		return report.MarshalBinary()
	case proto.OpActivatePartition:
		id, err := proto.DecodePartitionID(req.Payload)
		if err != nil {
			return nil, err
		}
		ctx, cancel := s.operationContext(ctx)
		defer cancel()
		return nil, s.service.Activate(ctx, id)
	case proto.OpActivatePartitionWithVFs:
		var body api.ActivateWithVFsRequest
		if err := body.UnmarshalBinary(req.Payload); err != nil {
			return nil, err
		}
		ctx, cancel := s.operationContext(ctx)
		defer cancel()
		return nil, s.service.ActivateWithVFs(ctx, body.PartitionID, body.VFs)
	case proto.OpDeactivatePartition:
		id, err := proto.DecodePartitionID(req.Payload)
		if err != nil {
			return nil, err
		}
		ctx, cancel := s.operationContext(ctx)
		defer cancel()
		return nil, s.service.Deactivate(ctx, id)
	case proto.OpSetActivatedPartitions:
		var list api.ActivatedFabricPartitionList
		if err := list.UnmarshalBinary(req.Payload); err != nil {
			return nil, err
		}
		return nil, s.service.SetActivated(ctx, list.PartitionIDs)
	default:
		return nil, api.Errorf(api.StatusNotSupported, "dispatch", "unknown opcode %d", uint16(req.Op))
	}
}

func (s *Server) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

func checkVersion(req proto.Frame, want uint32) error {
	got, err := proto.DecodeVersionTag(req.Payload)
	if err != nil {
		return err
	}
	if got != want {
		return api.Errorf(api.StatusVersionMismatch, req.Op.String(), "version %#x, want %#x", got, want)
	}
	return nil
}

type serverMetrics struct {
	sessionsOpened metric.Int64Counter
	sessionsActive metric.Int64UpDownCounter
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
}

func newServerMetrics(logger pslog.Logger) *serverMetrics {
	meter := otel.Meter("pkt.systems/fabricd/server")
	m := &serverMetrics{}
	var err error
	m.sessionsOpened, err = meter.Int64Counter(
		"fabricd.session.opened",
		metric.WithDescription("Client sessions that completed the hello"),
	)
	logMetricInitError(logger, "fabricd.session.opened", err)
	m.sessionsActive, err = meter.Int64UpDownCounter(
		"fabricd.session.active",
		metric.WithDescription("Client sessions currently open"),
	)
	logMetricInitError(logger, "fabricd.session.active", err)
	m.requests, err = meter.Int64Counter(
		"fabricd.request",
		metric.WithDescription("Session requests by operation and status"),
	)
	logMetricInitError(logger, "fabricd.request", err)
	m.requestLatency, err = meter.Float64Histogram(
		"fabricd.request.duration",
		metric.WithDescription("Session request latency"),
		metric.WithUnit("s"),
	)
	logMetricInitError(logger, "fabricd.request.duration", err)
	return m
}

func (m *serverMetrics) sessionOpened(ctx context.Context) {
	if m.sessionsOpened != nil {
		m.sessionsOpened.Add(ctx, 1)
	}
	if m.sessionsActive != nil {
		m.sessionsActive.Add(ctx, 1)
	}
}

func (m *serverMetrics) sessionClosed(ctx context.Context) {
	if m.sessionsActive != nil {
		m.sessionsActive.Add(ctx, -1)
	}
}

func (m *serverMetrics) request(ctx context.Context, op proto.Opcode, status api.Status, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("fabricd.op", op.String()),
		attribute.String("fabricd.status", status.String()),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.requestLatency != nil {
		m.requestLatency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
