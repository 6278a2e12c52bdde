package k1ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newPrinterServer starts a WebSocket server and returns the host, port and
// a channel delivering each accepted server-side connection.
func newPrinterServer(t *testing.T) (string, int, <-chan *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns := make(chan *websocket.Conn, 4)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		conns <- c
	}))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port, conns
}

func TestDialSendReceive(t *testing.T) {
	host, port, conns := newPrinterServer(t)

	c, err := Dial(context.Background(), host, DialOptions{Port: port})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	srv := <-conns
	defer srv.Close()

	if err := c.Send(EncodeLight(true)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := srv.ReadMessage()
	if err != nil {
		t.Fatalf("server ReadMessage: %v", err)
	}
	if string(msg) != `{"method":"set","params":{"lightSw":1}}` {
		t.Errorf("server got %s", msg)
	}

	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	if err := srv.WriteMessage(websocket.TextMessage, []byte(`{"lightSw":1}`)); err != nil {
		t.Fatalf("server WriteMessage: %v", err)
	}
	got, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != `{"lightSw":1}` {
		t.Errorf("Receive = %s", got)
	}
	if !c.LastActivity().After(before) {
		t.Error("LastActivity not advanced by Receive")
	}
}

func TestSendAfterClose(t *testing.T) {
	host, port, conns := newPrinterServer(t)

	c, err := Dial(context.Background(), host, DialOptions{Port: port})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv := <-conns
	defer srv.Close()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = c.Send([]byte("x"))
	var se *SendError
	if !errors.As(err, &se) || !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want SendError wrapping ErrClosed", err)
	}
	if _, err := c.Receive(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after Close = %v, want ErrClosed", err)
	}
}

func TestCloseUnblocksReceive(t *testing.T) {
	host, port, conns := newPrinterServer(t)

	c, err := Dial(context.Background(), host, DialOptions{Port: port})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	srv := <-conns
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Receive()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Receive = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Receive still blocked after Close")
	}
}

func TestReceiveAfterPeerClose(t *testing.T) {
	host, port, conns := newPrinterServer(t)

	c, err := Dial(context.Background(), host, DialOptions{Port: port})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	srv := <-conns
	srv.Close()

	_, err = c.Receive()
	var ce *ConnError
	if !errors.As(err, &ce) {
		t.Fatalf("Receive = %v, want *ConnError", err)
	}
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, err = Dial(context.Background(), "127.0.0.1", DialOptions{Port: port, HandshakeTimeout: time.Second})
	var ce *ConnError
	if !errors.As(err, &ce) {
		t.Fatalf("Dial = %v, want *ConnError", err)
	}
}

func TestValidateHost(t *testing.T) {
	valid := []string{"192.168.1.50", "k1max.local", "printer-1", "::1", "[fe80::1]"}
	for _, h := range valid {
		if err := ValidateHost(h); err != nil {
			t.Errorf("ValidateHost(%q) = %v", h, err)
		}
	}

	invalid := []string{"", "ws://192.168.1.50", "192.168.1.50:9999", "printer/1", "bad host", "-leading", "a..b"}
	for _, h := range invalid {
		err := ValidateHost(h)
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("ValidateHost(%q) = %v, want *ConfigError", h, err)
		}
	}

	_, err := Dial(context.Background(), "ws://nope", DialOptions{})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("Dial with bad host = %v, want *ConfigError", err)
	}
}

func TestURL(t *testing.T) {
	if got := URL("192.168.1.50", 0); got != "ws://192.168.1.50:9999/" {
		t.Errorf("URL = %q", got)
	}
	if got := URL("::1", 9999); got != "ws://[::1]:9999/" {
		t.Errorf("URL = %q", got)
	}
}
