package printer

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/john/k1bridge/k1ws"
)

const tracerName = "github.com/john/k1bridge/printer"

// Session defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultIdleMargin   = time.Second
)

// Config describes one printer.
type Config struct {
	// Name identifies the printer in logs, metrics and the HTTP API.
	// Defaults to Host.
	Name string
	Host string
	// Port overrides the fixed device port. Only tests set it.
	Port int

	PollInterval     time.Duration
	IdleMargin       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          BackoffConfig

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = c.Host
	}
	if c.Port == 0 {
		c.Port = k1ws.Port
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleMargin <= 0 {
		c.IdleMargin = DefaultIdleMargin
	}
	c.Backoff = c.Backoff.withDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(tracerName)
	}
	return c
}

// Client is the consumer-facing handle of one printer. It keeps the merged
// printer state current in the background and dispatches control commands.
// Multiple printers are independent Clients.
type Client struct {
	cfg     Config
	log     *slog.Logger
	store   *Store
	session *Session
	metrics *metrics
	tracer  trace.Tracer
}

// NewClient validates cfg and creates a client. Nothing is dialed until
// Start.
func NewClient(cfg Config) (*Client, error) {
	if err := k1ws.ValidateHost(cfg.Host); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	log := cfg.Logger.With("printer", cfg.Name, "host", cfg.Host)
	store := NewStore()
	m := newMetrics(cfg.Registerer, cfg.Name)

	return &Client{
		cfg:     cfg,
		log:     log,
		store:   store,
		session: newSession(cfg, store, m, cfg.Tracer, log),
		metrics: m,
		tracer:  cfg.Tracer,
	}, nil
}

// Start connects in the background and keeps reconnecting until Close or
// until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.log.Info("Connecting to printer", "url", k1ws.URL(c.cfg.Host, c.cfg.Port))
	c.session.Start(ctx)
}

// Close stops the session and waits for it to exit.
func (c *Client) Close() {
	c.session.Close()
}

// Done is closed once the background session has exited.
func (c *Client) Done() <-chan struct{} {
	return c.session.Done()
}

func (c *Client) Name() string { return c.cfg.Name }
func (c *Client) Host() string { return c.cfg.Host }

// Snapshot returns the latest known printer state without blocking on I/O.
func (c *Client) Snapshot() PrinterState {
	return c.store.Snapshot()
}

// ConnectionState returns the current link state.
func (c *Client) ConnectionState() ConnectionState {
	return c.session.State()
}

// LastError returns the most recent connection error, or nil.
func (c *Client) LastError() error {
	return c.session.LastError()
}

// LastActivity returns when a frame was last received on the current
// connection.
func (c *Client) LastActivity() time.Time {
	return c.session.LastActivity()
}

// OnUpdate registers fn for state changes. Callbacks run on the goroutine
// that changed the state and must not block.
func (c *Client) OnUpdate(fn UpdateFunc) (cancel func()) {
	return c.store.Subscribe(fn)
}

// OnConnectionState registers fn for connection state transitions.
func (c *Client) OnConnectionState(fn StateFunc) (cancel func()) {
	return c.session.Subscribe(fn)
}

// WaitForState blocks until the connection reaches want or ctx is done.
func (c *Client) WaitForState(ctx context.Context, want ConnectionState) error {
	ch := make(chan struct{}, 1)
	cancel := c.OnConnectionState(func(st ConnectionState) {
		if st == want {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	if c.ConnectionState() == want {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForStatus blocks until at least one status frame has been merged.
func (c *Client) WaitForStatus(ctx context.Context) (PrinterState, error) {
	ch := make(chan PrinterState, 1)
	cancel := c.OnUpdate(func(st PrinterState) {
		if st.Known() {
			select {
			case ch <- st:
			default:
			}
		}
	})
	defer cancel()

	if st := c.Snapshot(); st.Known() {
		return st, nil
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return PrinterState{}, ctx.Err()
	}
}
