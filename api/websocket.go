package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/k1bridge/history"
	"github.com/john/k1bridge/printer"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// jsonRPCRequest represents an incoming JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// jsonRPCResponse represents an outgoing JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// jsonRPCNotification represents a server-to-client notification (no id).
type jsonRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusUpdate is the payload of notify_status_update.
type statusUpdate struct {
	Printer string               `json:"printer"`
	State   printer.PrinterState `json:"state"`
}

// connectionUpdate is the payload of notify_connection_state.
type connectionUpdate struct {
	Printer    string                  `json:"printer"`
	Connection printer.ConnectionState `json:"connection"`
	Error      string                  `json:"error,omitempty"`
}

// WSClient represents a connected WebSocket client. Writes go through a
// buffered queue drained by the client's own writer goroutine, so a slow
// client never stalls a printer session.
type WSClient struct {
	conn *websocket.Conn
	out  chan interface{}
	done chan struct{}

	mu           sync.Mutex
	subscribed   map[string]bool // printer names; empty means all
	isSubscribed bool
}

func (c *WSClient) wants(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isSubscribed {
		return false
	}
	return len(c.subscribed) == 0 || c.subscribed[name]
}

func (c *WSClient) subscribe(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = make(map[string]bool, len(names))
	for _, n := range names {
		c.subscribed[n] = true
	}
	c.isSubscribed = true
}

// WSHub manages all WebSocket clients.
type WSHub struct {
	log     *slog.Logger
	server  *Server
	metrics *httpMetrics
	// replyTimeout bounds how long an RPC reply waits for queue space.
	replyTimeout time.Duration

	mu      sync.RWMutex
	clients map[*WSClient]bool
	closed  bool
}

func NewWSHub(s *Server, log *slog.Logger, m *httpMetrics) *WSHub {
	return &WSHub{
		log:          log,
		server:       s,
		metrics:      m,
		replyTimeout: wsWriteTimeout,
		clients:      make(map[*WSClient]bool),
	}
}

func (h *WSHub) register(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	h.metrics.wsClients.Inc()
	return true
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		h.metrics.wsClients.Dec()
	}
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// reply queues an RPC response for c. Unlike notifications, responses are
// never dropped: it waits up to replyTimeout for queue space and reports
// false if the client should be disconnected.
func (h *WSHub) reply(c *WSClient, v interface{}) bool {
	t := time.NewTimer(h.replyTimeout)
	defer t.Stop()
	select {
	case c.out <- v:
		return true
	case <-c.done:
		return false
	case <-t.C:
		h.log.Warn("WebSocket client not draining replies, disconnecting")
		return false
	}
}

// enqueue queues a notification for c, dropping it if the client has
// fallen behind.
func (h *WSHub) enqueue(c *WSClient, v interface{}) {
	select {
	case c.out <- v:
	case <-c.done:
	default:
		h.metrics.wsDropped.Inc()
		h.log.Warn("WebSocket client too slow, dropping message")
	}
}

// BroadcastStatusUpdate sends notify_status_update to clients subscribed to
// the printer.
func (h *WSHub) BroadcastStatusUpdate(name string, st printer.PrinterState) {
	h.broadcast(name, jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_status_update",
		Params:  []interface{}{statusUpdate{Printer: name, State: st}},
	})
}

// BroadcastConnectionState sends notify_connection_state to clients
// subscribed to the printer.
func (h *WSHub) BroadcastConnectionState(name string, st printer.ConnectionState, err error) {
	u := connectionUpdate{Printer: name, Connection: st}
	if err != nil {
		u.Error = err.Error()
	}
	h.broadcast(name, jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_connection_state",
		Params:  []interface{}{u},
	})
}

// BroadcastHistoryChanged sends notify_history_changed to subscribed
// clients of the job's printer.
func (h *WSHub) BroadcastHistoryChanged(action string, job history.Job) {
	h.broadcast(job.Printer, jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_history_changed",
		Params: []interface{}{
			map[string]interface{}{
				"action": action,
				"job":    job,
			},
		},
	})
}

func (h *WSHub) broadcast(name string, n jsonRPCNotification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.wants(name) {
			h.enqueue(client, n)
		}
	}
}

// HandleWebSocket upgrades the HTTP connection to WebSocket and processes
// JSON-RPC requests until the client goes away.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade error", "err", err)
		return
	}

	client := &WSClient{
		conn: conn,
		out:  make(chan interface{}, wsSendBuffer),
		done: make(chan struct{}),
	}
	if !h.register(client) {
		conn.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writePump(client)
	}()
	defer func() {
		h.unregister(client)
		close(client.done)
		conn.Close()
		wg.Wait()
	}()

	h.log.Info("WebSocket client connected", "remote", r.RemoteAddr)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("WebSocket read error", "err", err)
			}
			return
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			if !h.reply(client, jsonRPCResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: -32700, Message: "Parse error"},
			}) {
				return
			}
			continue
		}

		if !h.handleRPC(client, &req) {
			return
		}
	}
}

func (h *WSHub) writePump(c *WSClient) {
	for {
		select {
		case v := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				h.log.Warn("WebSocket send error", "err", err)
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleRPC answers one request. It reports false when the reply could not
// be queued.
func (h *WSHub) handleRPC(client *WSClient, req *jsonRPCRequest) bool {
	h.log.Debug("WebSocket RPC", "method", req.Method, "id", req.ID)

	resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "printers.list":
		resp.Result = h.printerViews(nil)

	case "printers.subscribe":
		var params struct {
			Printers []string `json:"printers"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				resp.Error = &rpcError{Code: -32602, Message: "Invalid params"}
				break
			}
		}
		for _, name := range params.Printers {
			if _, ok := h.server.lookup(name); !ok {
				resp.Error = &rpcError{Code: -32602, Message: "Unknown printer: " + name}
				break
			}
		}
		if resp.Error != nil {
			break
		}
		client.subscribe(params.Printers)
		resp.Result = h.printerViews(params.Printers)

	default:
		resp.Error = &rpcError{
			Code:    -32601,
			Message: "Method not found: " + req.Method,
		}
	}

	if resp.Error != nil {
		h.log.Debug("WebSocket RPC error", "method", req.Method, "code", resp.Error.Code, "msg", resp.Error.Message)
	}
	return h.reply(client, resp)
}

// printerViews returns the current view of the named printers, or of all
// printers when names is empty.
func (h *WSHub) printerViews(names []string) []printerView {
	if len(names) == 0 {
		names = h.server.names
	}
	views := make([]printerView, 0, len(names))
	for _, name := range names {
		if c, ok := h.server.lookup(name); ok {
			views = append(views, viewOf(c))
		}
	}
	return views
}
