package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/john/k1bridge/history"
	"github.com/john/k1bridge/k1ws"
	"github.com/john/k1bridge/printer"
)

// printerView is the JSON shape of one printer.
type printerView struct {
	Name       string                   `json:"name"`
	Host       string                   `json:"host"`
	Connection printer.ConnectionState  `json:"connection"`
	LastError  string                   `json:"last_error,omitempty"`
	FanSpeeds  map[string]k1ws.Opt[int] `json:"fan_speeds"`
	State      printer.PrinterState     `json:"state"`
}

func viewOf(c *printer.Client) printerView {
	st := c.Snapshot()
	v := printerView{
		Name:       c.Name(),
		Host:       c.Host(),
		Connection: c.ConnectionState(),
		FanSpeeds:  make(map[string]k1ws.Opt[int], k1ws.NumFanSlots),
		State:      st,
	}
	if err := c.LastError(); err != nil {
		v.LastError = err.Error()
	}
	for _, spec := range k1ws.FanTable {
		v.FanSpeeds[spec.Name] = st.FanPercent(spec.Slot)
	}
	return v
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": "K1 Bridge",
	})
}

func (s *Server) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	views := make([]printerView, 0, len(s.names))
	for _, name := range s.names {
		views = append(views, viewOf(s.printers[name]))
	}
	writeJSON(w, map[string]interface{}{"result": views})
}

func (s *Server) printerFor(w http.ResponseWriter, r *http.Request) (*printer.Client, bool) {
	name := chi.URLParam(r, "name")
	c, ok := s.lookup(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown printer "+strconv.Quote(name))
	}
	return c, ok
}

func (s *Server) handleGetPrinter(w http.ResponseWriter, r *http.Request) {
	c, ok := s.printerFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]interface{}{"result": viewOf(c)})
}

func (s *Server) handleSetFan(w http.ResponseWriter, r *http.Request) {
	c, ok := s.printerFor(w, r)
	if !ok {
		return
	}
	slot, err := k1ws.ParseFanSlot(chi.URLParam(r, "slot"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Percent *int `json:"percent"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Percent == nil {
		writeJSONError(w, http.StatusBadRequest, "missing percent")
		return
	}

	if err := c.SetFanPercent(r.Context(), slot, *body.Percent); err != nil {
		s.writeCommandError(w, c, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleSetLight(w http.ResponseWriter, r *http.Request) {
	c, ok := s.printerFor(w, r)
	if !ok {
		return
	}
	var body struct {
		On *bool `json:"on"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.On == nil {
		writeJSONError(w, http.StatusBadRequest, "missing on")
		return
	}

	if err := c.SetLight(r.Context(), *body.On); err != nil {
		s.writeCommandError(w, c, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleSetHeater(w http.ResponseWriter, r *http.Request) {
	c, ok := s.printerFor(w, r)
	if !ok {
		return
	}
	heater, err := k1ws.ParseHeater(chi.URLParam(r, "heater"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Target *float64 `json:"target"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Target == nil {
		writeJSONError(w, http.StatusBadRequest, "missing target")
		return
	}

	if err := c.SetTargetTemperature(r.Context(), heater, *body.Target); err != nil {
		s.writeCommandError(w, c, err)
		return
	}
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	c, ok := s.printerFor(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := s.history.List(c.Name(), limit)
	if err != nil {
		s.log.Error("History list failed", "printer", c.Name(), "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totals, err := s.history.Totals(c.Name())
	if err != nil {
		s.log.Error("History totals failed", "printer", c.Name(), "err", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"count":  len(jobs),
			"jobs":   jobs,
			"totals": totals,
		},
	})
}

func (s *Server) handleHistoryGetJob(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "history is disabled")
		return
	}
	job, err := s.history.Get(chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"result": map[string]interface{}{"job": job}})
}

// writeCommandError maps dispatch errors to HTTP status codes.
func (s *Server) writeCommandError(w http.ResponseWriter, c *printer.Client, err error) {
	switch {
	case errors.Is(err, printer.ErrInvalidArgument):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, printer.ErrNotConnected):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.log.Warn("Command failed", "printer", c.Name(), "err", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
		},
	})
}
