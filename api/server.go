// Package api exposes the printer clients over HTTP and a push WebSocket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/john/k1bridge/history"
	"github.com/john/k1bridge/printer"
)

// Config holds everything the server needs.
type Config struct {
	Addr     string
	Printers []*printer.Client
	// History is optional.
	History *history.Manager
	// Registry collects the HTTP metrics and backs /metrics. A nil Registry
	// disables /metrics.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server is the HTTP/WebSocket bridge.
type Server struct {
	log        *slog.Logger
	router     chi.Router
	httpServer *http.Server
	printers   map[string]*printer.Client
	names      []string
	history    *history.Manager
	hub        *WSHub
	metrics    *httpMetrics
	unsubs     []func()
}

// NewServer creates the server and attaches the push hub to every printer.
func NewServer(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		log:      log,
		printers: make(map[string]*printer.Client, len(cfg.Printers)),
		history:  cfg.History,
	}
	for _, c := range cfg.Printers {
		if _, dup := s.printers[c.Name()]; dup {
			return nil, errors.New("duplicate printer name " + c.Name())
		}
		s.printers[c.Name()] = c
		s.names = append(s.names, c.Name())
	}
	sort.Strings(s.names)

	var reg prometheus.Registerer
	if cfg.Registry != nil {
		reg = cfg.Registry
	}
	s.metrics = newHTTPMetrics(reg)
	s.hub = NewWSHub(s, log, s.metrics)

	s.router = s.routes(cfg.Registry)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.attach()
	return s, nil
}

func (s *Server) routes(reg *prometheus.Registry) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)
	r.Use(corsMiddleware)

	r.Get("/", s.handleRoot)
	r.Route("/api", func(r chi.Router) {
		r.Get("/printers", s.handleListPrinters)
		r.Route("/printers/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetPrinter)
			r.Post("/fans/{slot}", s.handleSetFan)
			r.Post("/light", s.handleSetLight)
			r.Post("/heaters/{heater}", s.handleSetHeater)
			r.Get("/history", s.handleHistoryList)
		})
		r.Get("/history/{id}", s.handleHistoryGetJob)
	})
	r.Get("/websocket", s.hub.HandleWebSocket)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return r
}

// attach subscribes the hub to state and connection changes of every
// printer.
func (s *Server) attach() {
	for _, name := range s.names {
		c := s.printers[name]
		name := name
		s.unsubs = append(s.unsubs,
			c.OnUpdate(func(st printer.PrinterState) {
				s.hub.BroadcastStatusUpdate(name, st)
			}),
			c.OnConnectionState(func(st printer.ConnectionState) {
				s.hub.BroadcastConnectionState(name, st, c.LastError())
			}),
		)
	}
}

// BroadcastHistoryChanged forwards history events to WebSocket clients. It
// matches history.HistoryChangedCallback.
func (s *Server) BroadcastHistoryChanged(action history.HistoryChangedAction, job history.Job) {
	s.hub.BroadcastHistoryChanged(string(action), job)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.log.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) lookup(name string) (*printer.Client, bool) {
	c, ok := s.printers[name]
	return c, ok
}

// corsMiddleware adds CORS headers for browser frontends.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
