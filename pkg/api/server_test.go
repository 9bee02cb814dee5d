package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func newServerUnderTest() *Server {
	return New(func() State {
		return State{
			Role:       "charger",
			WindowOpen: true,
			Mode:       "pairing",
			Bonds:      []string{"aa:bb:cc:dd:ee:ff"},
		}
	})
}

func TestDrainReturnsQueuedCommandsInOrder(t *testing.T) {
	s := newServerUnderTest()
	s.enqueue(CmdOpenWindow)
	s.enqueue(CmdEnterLockdown)

	cmds := s.Drain()
	if len(cmds) != 2 || cmds[0].Kind != CmdOpenWindow || cmds[1].Kind != CmdEnterLockdown {
		t.Fatalf("Drain = %+v", cmds)
	}
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("second Drain = %+v, want empty", got)
	}
}

func TestStateEndpoint(t *testing.T) {
	s := newServerUnderTest()
	w := httptest.NewRecorder()
	s.handleStateAPI(w, httptest.NewRequest("GET", "/api/state", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var state State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if state.Role != "charger" || !state.WindowOpen || len(state.Bonds) != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestWindowPostQueuesCommand(t *testing.T) {
	s := newServerUnderTest()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/pairing/window", strings.NewReader(`{"open": true}`))
	s.handleWindowAPI(w, req)

	if w.Code != 202 {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	cmds := s.Drain()
	if len(cmds) != 1 || cmds[0].Kind != CmdOpenWindow {
		t.Fatalf("queued commands = %+v", cmds)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/pairing/window", strings.NewReader(`{"open": false}`))
	s.handleWindowAPI(w, req)
	cmds = s.Drain()
	if len(cmds) != 1 || cmds[0].Kind != CmdCloseWindow {
		t.Fatalf("queued commands = %+v", cmds)
	}
}

func TestModePostRejectsUnknownMode(t *testing.T) {
	s := newServerUnderTest()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/mode", strings.NewReader(`{"mode": "open"}`))
	s.handleModeAPI(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := s.Drain(); len(got) != 0 {
		t.Fatalf("invalid mode queued a command: %+v", got)
	}
}

func TestTxPostQueuesCommand(t *testing.T) {
	s := newServerUnderTest()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/tx", strings.NewReader(`{"enabled": true}`))
	s.handleTxAPI(w, req)

	if w.Code != 202 {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	cmds := s.Drain()
	if len(cmds) != 1 || cmds[0].Kind != CmdTxOn {
		t.Fatalf("queued commands = %+v", cmds)
	}
}

// Events must be deliverable with no websocket client attached.
func TestNotifierWithoutClientIsSafe(t *testing.T) {
	s := newServerUnderTest()
	s.NotifyConnected("abc123", "aa:bb:cc:dd:ee:ff")
	s.NotifyDisconnected("abc123", "aa:bb:cc:dd:ee:ff", "remote")
	s.NotifyBonded("aa:bb:cc:dd:ee:ff")
	s.NotifyWindowChanged(true)
	s.NotifyModeChanged("lockdown")
}
