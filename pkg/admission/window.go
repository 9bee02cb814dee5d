package admission

import (
	"sync"

	"github.com/cradlelink/cradle/pkg/clock"

	log "github.com/sirupsen/logrus"
)

// DefaultWindowMillis is the default pairing-window duration.
const DefaultWindowMillis = 30000

// Window is the time-boxed pairing window. Opening is always an explicit
// trigger; closing is level-triggered on expiry, so Tick must be called
// every poll iteration even when no events arrived.
//
// Open, Close, and Tick run on the poll goroutine; IsOpen is also queried
// from radio event callbacks and the API state path, so the fields are
// mutex-protected.
type Window struct {
	durationMillis uint32

	mtx       sync.Mutex
	open      bool
	expiresAt clock.Millis
}

// NewWindow creates a closed window. A zero duration selects the default.
func NewWindow(durationMillis uint32) *Window {
	if durationMillis == 0 {
		durationMillis = DefaultWindowMillis
	}
	return &Window{durationMillis: durationMillis}
}

// Open opens the window until now+duration. Re-opening while already open
// extends the expiry; there is no queue of windows.
func (w *Window) Open(now clock.Millis) {
	w.mtx.Lock()
	w.open = true
	w.expiresAt = now + clock.Millis(w.durationMillis)
	w.mtx.Unlock()
	log.Infof("pkg admission; pairing window open for %dms", w.durationMillis)
}

// Close closes the window immediately.
func (w *Window) Close() {
	w.mtx.Lock()
	wasOpen := w.open
	w.open = false
	w.mtx.Unlock()
	if wasOpen {
		log.Info("pkg admission; pairing window closed")
	}
}

// Tick closes the window if it has expired and reports whether a
// transition happened on this call.
func (w *Window) Tick(now clock.Millis) bool {
	w.mtx.Lock()
	expired := w.open && clock.Since(now, w.expiresAt) >= 0
	if expired {
		w.open = false
	}
	w.mtx.Unlock()
	if expired {
		log.Info("pkg admission; pairing window expired")
	}
	return expired
}

// IsOpen is a pure query: true for all instants in [open, open+duration),
// false from the expiry instant on, whether or not Tick has run yet.
func (w *Window) IsOpen(now clock.Millis) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.open && clock.Since(now, w.expiresAt) < 0
}
