package printer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/john/k1bridge/k1ws"
)

// ConnectionState is the session's link state.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateFunc is called on every connection state transition.
type StateFunc func(state ConnectionState)

// connFailure is a send error reported against a specific connection.
type connFailure struct {
	conn *k1ws.Conn
	err  error
}

// Session owns the connection to one printer. A single goroutine runs the
// receive handling, the poll timer and the reconnect loop; commands from
// other goroutines share the connection through its write lock.
type Session struct {
	cfg     Config
	log     *slog.Logger
	store   *Store
	metrics *metrics
	tracer  trace.Tracer

	state atomic.Int32

	connMu sync.Mutex
	conn   *k1ws.Conn // set only while Connected

	failures chan connFailure

	errMu   sync.Mutex
	lastErr error

	subMu   sync.Mutex
	subs    map[int]StateFunc
	nextSub int

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newSession(cfg Config, store *Store, m *metrics, tracer trace.Tracer, log *slog.Logger) *Session {
	return &Session{
		cfg:      cfg,
		log:      log,
		store:    store,
		metrics:  m,
		tracer:   tracer,
		failures: make(chan connFailure, 1),
		subs:     make(map[int]StateFunc),
		done:     make(chan struct{}),
	}
}

// Start launches the session goroutine. Subsequent calls do nothing.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Close stops the session, interrupting any pending wait, and blocks until
// the goroutine has exited. The final state is Disconnected.
func (s *Session) Close() {
	s.startOnce.Do(func() { close(s.done) })
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// LastError returns the most recent connection error, or nil.
func (s *Session) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// LastActivity returns when the current connection last received a frame.
// Zero when not connected.
func (s *Session) LastActivity() time.Time {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return time.Time{}
	}
	return conn.LastActivity()
}

// Subscribe registers fn for connection state transitions.
func (s *Session) Subscribe(fn StateFunc) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) setState(st ConnectionState) {
	old := ConnectionState(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.metrics.connState.Set(float64(st))
	s.log.Debug("Connection state changed", "from", old, "to", st)

	s.subMu.Lock()
	fns := make([]StateFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) setLastError(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(Disconnected)

	bo := newReconnectBackoff(s.cfg.Backoff)

	for {
		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setLastError(err)

			var cfgErr *k1ws.ConfigError
			if errors.As(err, &cfgErr) {
				s.log.Error("Printer configuration is invalid, not retrying", "err", err)
				return
			}

			s.setState(Reconnecting)
			delay := bo.Next()
			s.log.Warn("Could not connect to printer", "err", err, "retry_in", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		s.setLastError(nil)
		s.log.Info("Connected to printer", "url", k1ws.URL(s.cfg.Host, s.cfg.Port))

		healthy, err := s.serve(ctx, conn)
		s.store.Reset()

		if ctx.Err() != nil {
			s.log.Info("Printer session closed")
			return
		}

		s.setLastError(err)
		s.metrics.disconnects.WithLabelValues(disconnectReason(err)).Inc()
		s.setState(Reconnecting)

		// The backoff resets only after the printer answered on this
		// connection.
		if healthy {
			bo.Reset()
			s.log.Warn("Printer connection lost", "err", err)
			continue
		}
		delay := bo.Next()
		s.log.Warn("Printer connection lost before any frame", "err", err, "retry_in", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (*k1ws.Conn, error) {
	ctx, span := s.tracer.Start(ctx, "k1bridge.connect", trace.WithAttributes(
		attribute.String("printer.name", s.cfg.Name),
		attribute.String("printer.host", s.cfg.Host),
	))
	defer span.End()

	s.metrics.connectAttempts.Inc()
	conn, err := k1ws.Dial(ctx, s.cfg.Host, k1ws.DialOptions{
		Port:             s.cfg.Port,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
	})
	if err != nil {
		s.metrics.connectFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return conn, nil
}

// serve drives one established connection until it fails, stalls or the
// session is closed. The connection is always closed on return. healthy
// reports whether at least one frame was decoded.
func (s *Session) serve(ctx context.Context, conn *k1ws.Conn) (healthy bool, err error) {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			data, err := conn.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-stop:
				return
			}
		}
	}()

	s.drainFailures()
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
	}()
	s.setState(Connected)

	if err := s.poll(conn); err != nil {
		return false, err
	}

	idleTimeout := s.cfg.PollInterval + s.cfg.IdleMargin
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()

		case data := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
			if s.handleFrame(data) {
				healthy = true
			}

		case err := <-readErr:
			return healthy, err

		case <-ticker.C:
			if err := s.poll(conn); err != nil {
				return healthy, err
			}

		case f := <-s.failures:
			if f.conn == conn {
				return healthy, f.err
			}

		case <-idle.C:
			return healthy, &k1ws.ConnError{Host: s.cfg.Host, Err: k1ws.ErrStalled}
		}
	}
}

func (s *Session) poll(conn *k1ws.Conn) error {
	if err := conn.Send(k1ws.EncodeStatusQuery(time.Now())); err != nil {
		return err
	}
	s.metrics.polls.Inc()
	return nil
}

// handleFrame processes one inbound frame and reports whether it decoded.
func (s *Session) handleFrame(data []byte) bool {
	frame, err := k1ws.Decode(data)
	if err != nil {
		s.metrics.decodeErrors.Inc()
		s.log.Warn("Dropping malformed frame", "err", err)
		return false
	}
	s.metrics.frames.WithLabelValues(frame.Kind.String()).Inc()

	switch frame.Kind {
	case k1ws.FrameStatus:
		if s.store.Merge(frame.Status) {
			s.log.Debug("Status merged", "frame", frame.Status)
		}
	case k1ws.FrameHeartbeat:
		s.log.Debug("Received heartbeat response")
	case k1ws.FrameAck:
		s.log.Debug("Received 'ok' acknowledgement")
	}
	return true
}

// send writes a command frame on the current connection and returns the
// connection it used. A write failure also moves the session to
// Reconnecting.
func (s *Session) send(frame []byte) (*k1ws.Conn, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil || s.State() != Connected {
		return nil, ErrNotConnected
	}
	if err := conn.Send(frame); err != nil {
		s.reportFailure(conn, err)
		return nil, err
	}
	return conn, nil
}

// current reports whether conn is still the live connection.
func (s *Session) current(conn *k1ws.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return conn != nil && s.conn == conn
}

func (s *Session) reportFailure(conn *k1ws.Conn, err error) {
	select {
	case s.failures <- connFailure{conn: conn, err: err}:
	default:
	}
}

func (s *Session) drainFailures() {
	for {
		select {
		case <-s.failures:
		default:
			return
		}
	}
}

func disconnectReason(err error) string {
	var se *k1ws.SendError
	switch {
	case errors.Is(err, k1ws.ErrStalled):
		return "stalled"
	case errors.As(err, &se):
		return "send"
	default:
		return "receive"
	}
}
