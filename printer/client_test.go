package printer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/john/k1bridge/k1ws"
)

const waitTimeout = 3 * time.Second

// fakePrinter is a WebSocket server speaking the printer side of the
// protocol. When reply is set, every status query is answered with status.
type fakePrinter struct {
	t    *testing.T
	host string
	port int

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	status  string

	reply    atomic.Bool
	connects atomic.Int32
	received chan string
}

func newFakePrinter(t *testing.T, status string) *fakePrinter {
	t.Helper()

	fp := &fakePrinter{t: t, status: status, received: make(chan string, 256)}
	fp.reply.Store(status != "")

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		fp.mu.Lock()
		fp.conn = c
		fp.mu.Unlock()
		fp.connects.Add(1)

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			select {
			case fp.received <- string(msg):
			default:
			}
			if fp.reply.Load() && strings.Contains(string(msg), k1ws.ModeHeartbeat) {
				fp.writeTo(c, fp.status)
			}
		}
	}))
	t.Cleanup(func() {
		fp.drop()
		ts.Close()
	})

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	fp.host = host
	fp.port, _ = strconv.Atoi(portStr)
	return fp
}

func (fp *fakePrinter) writeTo(c *websocket.Conn, msg string) {
	fp.writeMu.Lock()
	defer fp.writeMu.Unlock()
	_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
}

// push sends msg on the current connection.
func (fp *fakePrinter) push(msg string) {
	deadline := time.Now().Add(waitTimeout)
	for {
		fp.mu.Lock()
		c := fp.conn
		fp.mu.Unlock()
		if c != nil {
			fp.writeTo(c, msg)
			return
		}
		if time.Now().After(deadline) {
			fp.t.Fatal("push: no connection")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drop closes the current connection from the printer side.
func (fp *fakePrinter) drop() {
	fp.mu.Lock()
	c := fp.conn
	fp.conn = nil
	fp.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// nextCommand returns the next received frame that is not a status query.
func (fp *fakePrinter) nextCommand(timeout time.Duration) (string, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-fp.received:
			if strings.Contains(msg, k1ws.ModeHeartbeat) {
				continue
			}
			return msg, true
		case <-deadline:
			return "", false
		}
	}
}

func testConfig(host string, port int) Config {
	return Config{
		Name:         "test",
		Host:         host,
		Port:         port,
		PollInterval: 100 * time.Millisecond,
		IdleMargin:   time.Second,
		Backoff: BackoffConfig{
			Initial:    20 * time.Millisecond,
			Max:        100 * time.Millisecond,
			Multiplier: 2,
		},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer: prometheus.NewRegistry(),
	}
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return c
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := c.WaitForState(ctx, Connected); err != nil {
		t.Fatalf("client never connected (state %v, last error %v)", c.ConnectionState(), c.LastError())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientConnectsAndPolls(t *testing.T) {
	fp := newFakePrinter(t, `{"state":1,"nozzleTemp":210.5,"bedTemp0":60,"modelFanPct":50,"fan":1}`)
	c := startClient(t, testConfig(fp.host, fp.port))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap, err := c.WaitForStatus(ctx)
	if err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}

	if c.ConnectionState() != Connected {
		t.Errorf("state = %v, want connected", c.ConnectionState())
	}
	if v, _ := snap.State.Get(); v != k1ws.PrintPrinting {
		t.Errorf("print state = %v, want printing", v)
	}
	if v, _ := snap.Temps.Nozzle.Get(); v != 210.5 {
		t.Errorf("nozzle = %v, want 210.5", v)
	}
	if v, ok := snap.FanPercent(k1ws.FanModel).Get(); !ok || v != 50 {
		t.Errorf("model fan = %v/%v, want 50", v, ok)
	}

	// Polls repeat on the interval.
	n := 0
	eventually(t, "repeated status queries", func() bool {
		for {
			select {
			case msg := <-fp.received:
				if strings.Contains(msg, k1ws.ModeHeartbeat) {
					n++
				}
				if n >= 2 {
					return true
				}
			default:
				return false
			}
		}
	})
	if c.LastActivity().IsZero() {
		t.Error("LastActivity should be set while connected")
	}
}

func TestNewClientRejectsInvalidHost(t *testing.T) {
	for _, host := range []string{"", "ws://10.0.0.2", "10.0.0.2:9999", "bad host"} {
		_, err := NewClient(Config{Host: host, Registerer: prometheus.NewRegistry()})
		var cfgErr *k1ws.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("NewClient(%q) err = %v, want ConfigError", host, err)
		}
	}
}

func TestSetFanPercentInvalidArgumentSendsNothing(t *testing.T) {
	fp := newFakePrinter(t, `{"state":0}`)
	c := startClient(t, testConfig(fp.host, fp.port))
	waitConnected(t, c)

	for _, p := range []int{-1, 101, 1000} {
		err := c.SetFanPercent(context.Background(), k1ws.FanModel, p)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetFanPercent(%d) err = %v, want ErrInvalidArgument", p, err)
		}
	}
	if err := c.SetFanPercent(context.Background(), k1ws.FanSlot(7), 50); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown slot err = %v, want ErrInvalidArgument", err)
	}

	if err := c.SetLight(context.Background(), true); err != nil {
		t.Fatalf("SetLight: %v", err)
	}
	msg, ok := fp.nextCommand(waitTimeout)
	if !ok {
		t.Fatal("no command received")
	}
	if msg != `{"method":"set","params":{"lightSw":1}}` {
		t.Errorf("first command = %s, want the light frame", msg)
	}
}

func TestInvalidArgumentWinsOverNotConnected(t *testing.T) {
	c, err := NewClient(testConfig("127.0.0.1", 1))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	if err := c.SetFanPercent(context.Background(), k1ws.FanCase, 150); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	if err := c.SetFanPercent(context.Background(), k1ws.FanCase, 50); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSetLightNotConnectedIsNotQueued(t *testing.T) {
	fp := newFakePrinter(t, `{"state":0}`)
	c, err := NewClient(testConfig(fp.host, fp.port))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.SetLight(context.Background(), true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SetLight before start err = %v, want ErrNotConnected", err)
	}
	if c.Snapshot().Light.OK {
		t.Error("failed command must not update state")
	}

	c.Start(context.Background())
	waitConnected(t, c)

	if msg, ok := fp.nextCommand(300 * time.Millisecond); ok {
		t.Errorf("unexpected command after connect: %s", msg)
	}
}

func TestSetFanPercentOptimisticThenSuperseded(t *testing.T) {
	fp := newFakePrinter(t, `{"state":1}`)
	c := startClient(t, testConfig(fp.host, fp.port))
	waitConnected(t, c)

	if err := c.SetFanPercent(context.Background(), k1ws.FanCase, 50); err != nil {
		t.Fatalf("SetFanPercent: %v", err)
	}
	msg, ok := fp.nextCommand(waitTimeout)
	if !ok {
		t.Fatal("no command received")
	}
	if msg != `{"method":"set","params":{"gcodeCmd":"M106 P1 S128"}}` {
		t.Errorf("command = %s", msg)
	}

	snap := c.Snapshot()
	if v, ok := snap.FanPercent(k1ws.FanCase).Get(); !ok || v != 50 {
		t.Errorf("optimistic case fan = %v/%v, want 50", v, ok)
	}

	fp.push(`{"caseFanPct":30}`)
	eventually(t, "printer-reported fan speed", func() bool {
		v, _ := c.Snapshot().Fans[k1ws.FanCase].Percent.Get()
		return v == 30
	})
}

func TestSetTargetTemperature(t *testing.T) {
	fp := newFakePrinter(t, `{"maxNozzleTemp":300}`)
	c := startClient(t, testConfig(fp.host, fp.port))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := c.WaitForStatus(ctx); err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}

	if err := c.SetTargetTemperature(ctx, k1ws.HeaterNozzle, 320); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("above reported max err = %v, want ErrInvalidArgument", err)
	}
	if err := c.SetTargetTemperature(ctx, k1ws.HeaterBed, 130); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("above default bed max err = %v, want ErrInvalidArgument", err)
	}
	if err := c.SetTargetTemperature(ctx, k1ws.HeaterBed, -5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative err = %v, want ErrInvalidArgument", err)
	}

	if err := c.SetTargetTemperature(ctx, k1ws.HeaterNozzle, 215); err != nil {
		t.Fatalf("SetTargetTemperature: %v", err)
	}
	msg, ok := fp.nextCommand(waitTimeout)
	if !ok {
		t.Fatal("no command received")
	}
	if msg != `{"method":"set","params":{"gcodeCmd":"M104 T0 S215"}}` {
		t.Errorf("command = %s", msg)
	}
	if v, _ := c.Snapshot().Temps.NozzleTarget.Get(); v != 215 {
		t.Errorf("optimistic nozzle target = %v, want 215", v)
	}
}

func TestDecodeErrorKeepsConnection(t *testing.T) {
	fp := newFakePrinter(t, "")
	c := startClient(t, testConfig(fp.host, fp.port))
	waitConnected(t, c)

	fp.push(`{"nozzleTemp":`)
	fp.push(`[1,2,3]`)
	fp.push(`ok`)
	fp.push(`{"boxTemp":41}`)

	eventually(t, "frame after malformed input", func() bool {
		v, _ := c.Snapshot().Temps.Chamber.Get()
		return v == 41
	})
	if c.ConnectionState() != Connected {
		t.Errorf("state = %v, want connected", c.ConnectionState())
	}
	if n := fp.connects.Load(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestIdleTimeoutReconnects(t *testing.T) {
	fp := newFakePrinter(t, "")
	cfg := testConfig(fp.host, fp.port)
	cfg.PollInterval = 50 * time.Millisecond
	cfg.IdleMargin = 50 * time.Millisecond
	c := startClient(t, cfg)

	var sawReconnecting atomic.Bool
	cancel := c.OnConnectionState(func(st ConnectionState) {
		if st == Reconnecting {
			sawReconnecting.Store(true)
		}
	})
	defer cancel()

	waitConnected(t, c)
	eventually(t, "stall detection", sawReconnecting.Load)
	eventually(t, "second connection", func() bool { return fp.connects.Load() >= 2 })

	if err := c.LastError(); err != nil && !errors.Is(err, k1ws.ErrStalled) {
		t.Errorf("LastError = %v, want stall", err)
	}
}

func TestReconnectAfterDropResetsState(t *testing.T) {
	fp := newFakePrinter(t, `{"nozzleTemp":200}`)
	c := startClient(t, testConfig(fp.host, fp.port))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := c.WaitForStatus(ctx); err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}

	var sawReset atomic.Bool
	unsub := c.OnUpdate(func(st PrinterState) {
		if !st.Known() {
			sawReset.Store(true)
		}
	})
	defer unsub()

	fp.drop()

	eventually(t, "state reset", sawReset.Load)
	eventually(t, "reconnect", func() bool {
		return fp.connects.Load() >= 2 && c.ConnectionState() == Connected
	})
	eventually(t, "state after reconnect", func() bool {
		return c.Snapshot().Known()
	})
}

func TestCloseIsPromptDuringBackoff(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig("127.0.0.1", port)
	cfg.Backoff = BackoffConfig{Initial: time.Hour, Max: time.Hour, Multiplier: 2}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := c.WaitForState(ctx, Reconnecting); err != nil {
		t.Fatalf("never reached reconnecting: %v", err)
	}
	var connErr *k1ws.ConnError
	if !errors.As(c.LastError(), &connErr) {
		t.Errorf("LastError = %v, want ConnError", c.LastError())
	}

	start := time.Now()
	c.Close()
	if d := time.Since(start); d > time.Second {
		t.Errorf("Close took %v", d)
	}
	if st := c.ConnectionState(); st != Disconnected {
		t.Errorf("state after Close = %v, want disconnected", st)
	}
	if err := c.SetLight(context.Background(), false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetLight after Close err = %v, want ErrNotConnected", err)
	}
}

func TestCloseWhileConnected(t *testing.T) {
	fp := newFakePrinter(t, `{"state":1}`)
	c := startClient(t, testConfig(fp.host, fp.port))
	waitConnected(t, c)

	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("session still running after Close")
	}
	if st := c.ConnectionState(); st != Disconnected {
		t.Errorf("state after Close = %v, want disconnected", st)
	}
	if c.Snapshot().Known() {
		t.Error("state should be unknown after Close")
	}
	c.Close()
}

func TestCloseBeforeStart(t *testing.T) {
	c, err := NewClient(testConfig("127.0.0.1", 1))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.Close()
	c.Start(context.Background())
	if st := c.ConnectionState(); st != Disconnected {
		t.Errorf("state = %v, want disconnected", st)
	}
}

func TestClientsAreIndependent(t *testing.T) {
	a := newFakePrinter(t, `{"nozzleTemp":100}`)
	b := newFakePrinter(t, `{"nozzleTemp":200}`)

	ca := startClient(t, testConfig(a.host, a.port))
	cb := startClient(t, testConfig(b.host, b.port))

	eventually(t, "both printers", func() bool {
		va, _ := ca.Snapshot().Temps.Nozzle.Get()
		vb, _ := cb.Snapshot().Temps.Nozzle.Get()
		return va == 100 && vb == 200
	})

	a.drop()
	eventually(t, "first printer reset or reconnected", func() bool {
		return a.connects.Load() >= 2
	})
	if cb.ConnectionState() != Connected {
		t.Errorf("second printer state = %v, want connected", cb.ConnectionState())
	}
}

func TestReconnectBacksOffWhenPrinterDropsImmediately(t *testing.T) {
	var connects atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects.Add(1)
		c.Close()
	}))
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	cfg := testConfig(host, port)
	cfg.Backoff = BackoffConfig{Initial: 200 * time.Millisecond, Max: time.Second, Multiplier: 2}
	c := startClient(t, cfg)

	time.Sleep(time.Second)
	c.Close()

	// Dials at 0, 200ms and 600ms; the next one is due at 1.4s.
	n := connects.Load()
	if n < 2 || n > 4 {
		t.Errorf("connects in 1s = %d, want 2..4", n)
	}
}

func TestSendFailureReconnects(t *testing.T) {
	fp := newFakePrinter(t, `{"state":1}`)
	c := startClient(t, testConfig(fp.host, fp.port))
	waitConnected(t, c)

	// Hold the session goroutine inside a state callback so the broken
	// connection is only noticed through the command send.
	entered := make(chan struct{})
	release := make(chan struct{})
	var held atomic.Bool
	unsub := c.OnUpdate(func(st PrinterState) {
		if st.Known() && held.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})
	defer unsub()
	var releaseOnce sync.Once
	releaseSession := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(releaseSession)

	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("no status frame merged")
	}

	c.session.connMu.Lock()
	conn := c.session.conn
	c.session.connMu.Unlock()
	if conn == nil {
		t.Fatal("no live connection")
	}
	conn.Close()

	var sawReconnecting atomic.Bool
	cancel := c.OnConnectionState(func(st ConnectionState) {
		if st == Reconnecting {
			sawReconnecting.Store(true)
		}
	})
	defer cancel()

	err := c.SetLight(context.Background(), true)
	var sendErr *k1ws.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("SetLight err = %v, want SendError", err)
	}
	if c.Snapshot().Light.OK {
		t.Error("failed send must not update state")
	}

	releaseSession()
	eventually(t, "reconnecting after send failure", sawReconnecting.Load)
	eventually(t, "redial", func() bool {
		return fp.connects.Load() >= 2 && c.ConnectionState() == Connected
	})
}

func TestOptimisticUpdateSkippedForReplacedConnection(t *testing.T) {
	fp := newFakePrinter(t, `{"state":1}`)
	c := startClient(t, testConfig(fp.host, fp.port))
	waitConnected(t, c)

	c.session.connMu.Lock()
	old := c.session.conn
	c.session.connMu.Unlock()
	if !c.session.current(old) {
		t.Fatal("live connection not reported current")
	}

	fp.drop()
	eventually(t, "reconnect", func() bool {
		return fp.connects.Load() >= 2 && c.ConnectionState() == Connected
	})
	if c.session.current(old) {
		t.Fatal("dropped connection still reported current")
	}

	c.applyOptimistic(old, func(st *PrinterState) { st.Light = k1ws.Some(true) })
	if c.Snapshot().Light.OK {
		t.Error("update for a dropped connection leaked into the store")
	}
}
