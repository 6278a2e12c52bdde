package k1ws

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Port is the printer's WebSocket port.
const Port = 9999

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	maxFrameSize            = 1 << 20
)

// DialOptions tunes a single connection attempt.
type DialOptions struct {
	// Port overrides the printer port. Zero means Port.
	Port             int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Conn is one WebSocket session to a printer.
type Conn struct {
	host         string
	ws           *websocket.Conn
	writeMu      sync.Mutex // serializes writes to ws
	writeTimeout time.Duration

	closeOnce    sync.Once
	closed       atomic.Bool
	lastActivity atomic.Int64 // unix nanoseconds
}

// ValidateHost checks that host is a bare IP address or hostname.
func ValidateHost(host string) error {
	if host == "" {
		return &ConfigError{Host: host, Reason: "empty"}
	}
	if strings.Contains(host, "://") || strings.ContainsAny(host, "/?# \t\r\n") {
		return &ConfigError{Host: host, Reason: "must be a bare IP address or hostname"}
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return nil
	}
	if len(host) > 253 {
		return &ConfigError{Host: host, Reason: "hostname too long"}
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return &ConfigError{Host: host, Reason: "malformed hostname"}
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return &ConfigError{Host: host, Reason: "malformed hostname"}
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return &ConfigError{Host: host, Reason: "malformed hostname"}
			}
		}
	}
	return nil
}

// URL returns the WebSocket URL of a printer.
func URL(host string, port int) string {
	if port == 0 {
		port = Port
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port)),
		Path:   "/",
	}
	return u.String()
}

// Dial makes a single connection attempt. It returns a *ConfigError for a
// malformed host and a *ConnError for everything else.
func Dial(ctx context.Context, host string, opts DialOptions) (*Conn, error) {
	if err := ValidateHost(host); err != nil {
		return nil, err
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	u := URL(host, opts.Port)
	dialer := websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, &ConnError{Host: host, Err: err}
	}
	ws.SetReadLimit(maxFrameSize)

	c := &Conn{
		host:         host,
		ws:           ws,
		writeTimeout: opts.WriteTimeout,
	}
	c.touch()
	return c, nil
}

// Host returns the printer host.
func (c *Conn) Host() string {
	return c.host
}

// LastActivity returns when the last frame was received.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Send writes one text frame. Safe for concurrent use.
func (c *Conn) Send(frame []byte) error {
	if c.closed.Load() {
		return &SendError{Err: ErrClosed}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return &SendError{Err: err}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		if c.closed.Load() {
			return &SendError{Err: ErrClosed}
		}
		return &SendError{Err: err}
	}
	return nil
}

// Receive blocks until the next frame arrives. Only one goroutine may call
// Receive at a time.
func (c *Conn) Receive() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if c.closed.Load() {
			return nil, ErrClosed
		}
		return nil, &ConnError{Host: c.host, Err: err}
	}
	c.touch()
	return data, nil
}

// Close releases the socket. It is idempotent and unblocks Receive.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
