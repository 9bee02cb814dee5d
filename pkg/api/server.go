//nolint:revive // api is a standard package name for API servers
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/cradlelink/cradle/pkg/admission"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// CommandKind identifies an operator command received over the API.
type CommandKind int

const (
	CmdOpenWindow CommandKind = iota
	CmdCloseWindow
	CmdEnterLockdown
	CmdEnterPairing
	CmdTxOn
	CmdTxOff
)

// Command is one queued operator command. The API never acts on radio or
// window state itself; the poll loop drains the queue and applies commands
// in its own context.
type Command struct {
	Kind CommandKind
}

// State is the controller snapshot served to API clients.
type State struct {
	Role       string   `json:"role"`
	Peer       string   `json:"peer,omitempty"`
	WindowOpen bool     `json:"window_open"`
	Mode       string   `json:"mode,omitempty"`
	TxEnabled  bool     `json:"tx_enabled"`
	Bonds      []string `json:"bonds"`
}

// StateFunc produces a controller snapshot; it must be safe to call from
// the HTTP serving goroutines.
type StateFunc func() State

// Event is a lifecycle event pushed to websocket clients.
type Event struct {
	Type       string `json:"type"`
	Peer       string `json:"peer,omitempty"`
	ConnID     string `json:"conn_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Accepted   *bool  `json:"accepted,omitempty"`
	WindowOpen *bool  `json:"window_open,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// Server provides a WebSocket/REST API for monitoring and controlling the
// admission controller. It implements arbiter.Notifier.
type Server struct {
	http.Handler

	stateFunc StateFunc

	mtx      sync.Mutex
	conn     *websocket.Conn
	commands []Command
}

// New creates a new API server.
func New(stateFunc StateFunc) *Server {
	return &Server{stateFunc: stateFunc}
}

// Start starts the HTTP/WebSocket server. It blocks; run it on its own
// goroutine.
func (s *Server) Start(addr string) {
	log.Infof("pkg api; listening on %s", addr)
	s.setupRoutes()
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

// Drain returns and clears all queued operator commands. Called by the
// poll loop each tick.
func (s *Server) Drain() []Command {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cmds := s.commands
	s.commands = nil
	return cmds
}

func (s *Server) enqueue(kind CommandKind) {
	s.mtx.Lock()
	s.commands = append(s.commands, Command{Kind: kind})
	s.mtx.Unlock()
}

// NotifyDecision implements arbiter.Notifier.
func (s *Server) NotifyDecision(peer identity.Addr, decision admission.Decision) {
	accepted := decision.Accept
	ev := Event{Type: "decision", Peer: peer.String(), Accepted: &accepted}
	if !decision.Accept {
		ev.Reason = decision.Reason.String()
	}
	s.sendEvent(ev)
}

// NotifyConnected implements arbiter.Notifier.
func (s *Server) NotifyConnected(connID string, peer identity.Addr) {
	s.sendEvent(Event{Type: "connected", ConnID: connID, Peer: peer.String()})
}

// NotifyDisconnected implements arbiter.Notifier.
func (s *Server) NotifyDisconnected(connID string, peer identity.Addr, reason radio.Reason) {
	s.sendEvent(Event{Type: "disconnected", ConnID: connID, Peer: peer.String(), Reason: string(reason)})
}

// NotifyBonded implements arbiter.Notifier.
func (s *Server) NotifyBonded(peer identity.Addr) {
	s.sendEvent(Event{Type: "bonded", Peer: peer.String()})
}

// NotifyWindowChanged implements arbiter.Notifier.
func (s *Server) NotifyWindowChanged(open bool) {
	s.sendEvent(Event{Type: "window", WindowOpen: &open})
}

// NotifyModeChanged implements arbiter.Notifier.
func (s *Server) NotifyModeChanged(mode string) {
	s.sendEvent(Event{Type: "mode", Mode: mode})
}

func (s *Server) sendEvent(event Event) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("Failed to send websocket message: %v", err)
	}
}

func (s *Server) setupRoutes() {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := fmt.Fprintf(w, "Cradle admission controller API - Connect via WebSocket at /ws\n\nEndpoints:\n  GET    /api/state\n  GET    /api/bonds\n  GET    /api/pairing/window\n  POST   /api/pairing/window\n  GET    /api/mode\n  POST   /api/mode\n  GET    /api/tx\n  POST   /api/tx\n"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	http.Handle("/ws", s)
	http.HandleFunc("/api/state", s.handleStateAPI)
	http.HandleFunc("/api/bonds", s.handleBondsAPI)
	http.HandleFunc("/api/pairing/window", s.handleWindowAPI)
	http.HandleFunc("/api/mode", s.handleModeAPI)
	http.HandleFunc("/api/tx", s.handleTxAPI)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Infof("pkg api; websocket connection from: %s", r.Host)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mtx.Lock()
	s.conn = ws
	s.mtx.Unlock()

	s.sendState()
	s.reader(ws)
}

func (s *Server) sendState() {
	data, err := json.Marshal(s.stateFunc())
	if err != nil {
		log.Errorf("Failed to marshal state: %v", err)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn != nil {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Errorf("Failed to send state: %v", err)
		}
	}
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		s.conn = nil
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("pkg api; websocket read error: %v", err)
			return
		}
		log.Debugf("pkg api; received websocket message: %s", string(p))
		s.handleWsCommand(p)
	}
}

func (s *Server) handleWsCommand(data []byte) {
	var msg struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		return
	}

	switch msg.Command {
	case "getState":
		s.sendState()
	case "openWindow":
		s.enqueue(CmdOpenWindow)
	case "closeWindow":
		s.enqueue(CmdCloseWindow)
	case "enterLockdown":
		s.enqueue(CmdEnterLockdown)
	case "enterPairing":
		s.enqueue(CmdEnterPairing)
	case "txOn":
		s.enqueue(CmdTxOn)
	case "txOff":
		s.enqueue(CmdTxOff)
	default:
		log.Warnf("pkg api; unknown websocket command %q", msg.Command)
	}
}

func (s *Server) handleStateAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := json.NewEncoder(w).Encode(s.stateFunc()); err != nil {
		log.Errorf("Failed to encode state: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) handleBondsAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"bonds": s.stateFunc().Bonds,
	}); err != nil {
		log.Errorf("Failed to encode bonds: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) handleWindowAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"open": s.stateFunc().WindowOpen,
		}); err != nil {
			log.Errorf("Failed to encode window state: %v", err)
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}

	case http.MethodPost:
		var req struct {
			Open bool `json:"open"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		if req.Open {
			s.enqueue(CmdOpenWindow)
		} else {
			s.enqueue(CmdCloseWindow)
		}
		s.writeAccepted(w, map[string]interface{}{"open": req.Open})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleModeAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"mode": s.stateFunc().Mode,
		}); err != nil {
			log.Errorf("Failed to encode mode: %v", err)
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}

	case http.MethodPost:
		var req struct {
			Mode string `json:"mode"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		switch req.Mode {
		case "lockdown":
			s.enqueue(CmdEnterLockdown)
		case "pairing":
			s.enqueue(CmdEnterPairing)
		default:
			http.Error(w, fmt.Sprintf("Unknown mode: %s", req.Mode), http.StatusBadRequest)
			return
		}
		s.writeAccepted(w, map[string]interface{}{"mode": req.Mode})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTxAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"enabled": s.stateFunc().TxEnabled,
		}); err != nil {
			log.Errorf("Failed to encode tx state: %v", err)
			http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		}

	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if !s.decodeBody(w, r, &req) {
			return
		}
		if req.Enabled {
			s.enqueue(CmdTxOn)
		} else {
			s.enqueue(CmdTxOff)
		}
		s.writeAccepted(w, map[string]interface{}{"enabled": req.Enabled})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
		return false
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Debugf("Error closing request body: %v", err)
		}
	}()

	if err := json.Unmarshal(body, out); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// writeAccepted acknowledges a command that the poll loop will apply on
// its next tick.
func (s *Server) writeAccepted(w http.ResponseWriter, fields map[string]interface{}) {
	w.WriteHeader(http.StatusAccepted)
	fields["status"] = "accepted"
	if err := json.NewEncoder(w).Encode(fields); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
