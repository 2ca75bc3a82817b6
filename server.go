package fabricd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"

	"pkt.systems/fabricd/internal/clock"
	"pkt.systems/fabricd/internal/connguard"
	"pkt.systems/fabricd/internal/fabric"
	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Server accepts client sessions and drives the partition service.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	service   *fabric.Service
	guard     *connguard.Guard
	telemetry *telemetryBundle
	tracer    trace.Tracer
	metrics   *serverMetrics

	listener   net.Listener
	socketPath string

	// baseCtx parents every request; it is cancelled only when a graceful
	// shutdown runs out of time.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu           sync.Mutex
	shutdown     bool
	sessions     map[*session]struct{}
	sessionWG    sync.WaitGroup
	loaderWG     sync.WaitGroup
	fatalErr     error
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Driver       fabric.Driver
	Catalog      *fabric.Catalog
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithDriver replaces the simulated fabric driver.
func WithDriver(d fabric.Driver) Option {
	return func(o *options) {
		o.Driver = d
	}
}

// WithCatalog installs a topology directly instead of loading the topology file.
func WithCatalog(cat *fabric.Catalog) Option {
	return func(o *options) {
		o.Catalog = cat
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a fabricd server according to cfg.
// Example:
//
//	cfg := fabricd.Config{Listen: ":6666", TopologyPath: "/var/run/fabricd/topology.yaml"}
//	srv, err := fabricd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:    cfg.OTLPEndpoint,
		MetricsListen:   cfg.MetricsListen,
		PprofListen:     cfg.PprofListen,
		RuntimeMetrics:  cfg.EnableProfilingMetrics,
		ServiceInstance: cfg.Listen,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	driver := o.Driver
	if driver == nil {
		driver = fabric.NewSimDriver(clk, cfg.SimTrainDelay)
	}
	service := fabric.New(fabric.Config{
		Driver:      driver,
		Logger:      logger,
		Clock:       clk,
		RestartMode: cfg.RestartMode,
	})
	if o.Catalog != nil {
		if err := service.Configure(o.Catalog); err != nil {
			_ = service.Close()
			if telemetry != nil {
				_ = telemetry.Shutdown(context.Background())
			}
			return nil, fmt.Errorf("configure topology: %w", err)
		}
	}

	var guard *connguard.Guard
	if !cfg.GuardDisabled {
		guard = connguard.New(connguard.Config{
			Enabled:          true,
			FailureThreshold: cfg.GuardFailureThreshold,
			FailureWindow:    cfg.GuardFailureWindow,
			BlockDuration:    cfg.GuardBlockDuration,
			ProbeTimeout:     cfg.GuardProbeTimeout,
		}, logger)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		service:    service,
		guard:      guard,
		telemetry:  telemetry,
		tracer:     otel.Tracer("pkt.systems/fabricd/server"),
		metrics:    newServerMetrics(logger),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sessions:   make(map[*session]struct{}),
		readyCh:    make(chan struct{}),
	}
	return srv, nil
}

// Service exposes the partition service backing the server.
func (s *Server) Service() *fabric.Service {
	return s.service
}

// Start begins serving sessions and blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server: already shut down")
	}
	s.mu.Unlock()

	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
		ln = withPeerCredentials(ln)
	} else {
		ln = s.guard.WrapListener(ln)
	}
	if s.cfg.MaxSessions > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxSessions)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if !s.service.Configured() {
		s.loaderWG.Add(1)
		go s.loadTopology()
	}
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"max_sessions", s.cfg.MaxSessions,
		"restart_mode", s.cfg.RestartMode,
		"guard", s.guard.Enabled(),
	)

	err = s.acceptLoop(ln)
	s.recordServeErr(err)
	return err
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing() {
				return s.fatal()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.Warn("server.accept.retry", "error", err, "backoff", backoff.String())
				<-s.clock.After(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.sessionWG.Add(1)
		go s.serveConn(conn)
	}
}

// loadTopology waits for the topology file and configures the service. When
// TopologyWait elapses first the server stops with an error.
func (s *Server) loadTopology() {
	defer s.loaderWG.Done()
	logger := loggingutil.WithSubsystem(s.logger, "fabric.topology")
	watcher, err := fabric.NewTopologyWatcher(s.cfg.TopologyPath, s.logger)
	if err != nil {
		s.fail(fmt.Errorf("topology: %w", err))
		return
	}
	defer watcher.Close()

	ctx := s.baseCtx
	if s.cfg.TopologyWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TopologyWait)
		defer cancel()
	}
	cat, err := watcher.Wait(ctx)
	if err != nil {
		if s.closing() {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("topology %s not available after %s", s.cfg.TopologyPath, s.cfg.TopologyWait)
		}
		s.fail(err)
		return
	}
	if err := s.service.Configure(cat); err != nil {
		s.fail(fmt.Errorf("configure topology: %w", err))
		return
	}
	logger.Info("topology.loaded", "path", s.cfg.TopologyPath, "partitions", len(cat.Partitions))
	watcher.Run(s.baseCtx)
}

// fail records a fatal error and stops accepting sessions.
func (s *Server) fail(err error) {
	s.logger.Error("server.fatal", "error", err)
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.shutdown = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

func (s *Server) fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting sessions, lets in-flight requests finish and
// closes every session. Requests still running when ctx ends are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	alreadyDown := s.shutdown && s.fatalErr == nil
	s.shutdown = true
	ln := s.listener
	s.listener = nil
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	if alreadyDown && ln == nil {
		return nil
	}

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		sess.interrupt()
	}

	done := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(done)
	}()
	var shutdownErr error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("server.shutdown.forced", "sessions", len(sessions), "error", ctx.Err())
		s.baseCancel()
		for _, sess := range sessions {
			sess.close()
		}
		<-done
		shutdownErr = ctx.Err()
	}
	s.baseCancel()
	s.loaderWG.Wait()
	if err := s.service.Close(); err != nil {
		s.logger.Warn("server.shutdown.metrics", "error", err)
	}

	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		s.telemetry = nil
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) && shutdownErr == nil {
			shutdownErr = err
		}
	}
	s.logger.Info("server.shutdown.complete")
	if shutdownErr != nil {
		return shutdownErr
	}
	if err := s.LastServeError(); err != nil {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using DefaultShutdownTimeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that ended the accept loop, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// StartServer starts a fabricd server in a background goroutine and waits
// until it is ready to accept sessions. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := fabricd.Config{ListenProto: "unix", Listen: "/tmp/fabricd.sock"}
//	srv, stop, err := fabricd.StartServer(ctx, cfg, fabricd.WithCatalog(cat))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = fmt.Errorf("server: stopped before becoming ready")
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
