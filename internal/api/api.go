// Package api exposes the engine's operator surface over HTTP, the
// same role the IRC-style network link's privileged-user commands
// play for an operator connected over IRC (internal/dispatcher).
// It gives a deployment without a live network link a way to drive
// listopen/status/scan/addscan/delscan/debug/save all the same.
//
// Endpoints
//
//	GET  /api/status           Engine-wide statistics (active/queued/clean/dirty).
//	GET  /api/listopen         Every confirmed open-proxy host.
//	GET  /api/debug            Configured scan-type table with hit counts.
//	POST /api/scan             Queue a probe pass for {"ip": "..."}.
//	POST /api/scanall          Queue a probe pass for {"type":"...","port":N} against every clean host.
//	POST /api/save             Flush the host cache to disk.
//	POST /api/command          Run a raw operator command line, e.g. {"text": "addscan http 8080"}.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hiddn/gproxyscan/internal/dispatcher"
	"github.com/hiddn/gproxyscan/internal/scantype"
)

// Server is the management HTTP server.
type Server struct {
	disp   *dispatcher.Dispatcher
	logger *zap.SugaredLogger
	server *http.Server
}

// New creates and configures the management API server.
func New(addr string, disp *dispatcher.Dispatcher, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{disp: disp, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/listopen", s.handleListOpen)
	mux.HandleFunc("/api/debug", s.handleDebug)
	mux.HandleFunc("/api/scan", s.handleScan)
	mux.HandleFunc("/api/scanall", s.handleScanAll)
	mux.HandleFunc("/api/save", s.handleSave)
	mux.HandleFunc("/api/command", s.handleCommand)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts down the server gracefully.
func (s *Server) Stop() error {
	return s.server.Close()
}

// -----------------------------------------------------------------------
// Request / Response types
// -----------------------------------------------------------------------

type scanRequest struct {
	IP string `json:"ip"`
}

type scanAllRequest struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

type commandRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, map[string]any{"ok": true, "status": s.disp.StatsNotice()})
}

func (s *Server) handleListOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := s.disp.RunCommand("admin", "listopen")
	jsonOK(w, map[string]any{"ok": true, "result": out})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := s.disp.RunCommand("admin", "debug")
	jsonOK(w, map[string]any{"ok": true, "result": out})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	out := s.disp.RunCommand("admin", "scan "+req.IP)
	jsonOK(w, map[string]any{"ok": true, "result": out})
}

func (s *Server) handleScanAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scanAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	typ, err := scantype.ParseType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := s.disp.ScanAll(typ, req.Port)
	s.logger.Infow("scanall requested via API", "type", req.Type, "port", req.Port, "queued", n)
	jsonOK(w, map[string]any{"ok": true, "queued": n})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := s.disp.RunCommand("admin", "save")
	jsonOK(w, map[string]any{"ok": true, "result": out})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		req.Sender = "admin"
	}
	out := s.disp.RunCommand(req.Sender, req.Text)
	jsonOK(w, map[string]any{"ok": true, "result": out})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Printf("api: encode response: %v\n", err)
	}
}
