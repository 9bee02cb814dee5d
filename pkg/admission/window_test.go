package admission

import (
	"sync"
	"testing"

	"github.com/cradlelink/cradle/pkg/clock"
)

func TestWindowOpenInterval(t *testing.T) {
	w := NewWindow(0)
	var t0 clock.Millis = 5000

	if w.IsOpen(t0) {
		t.Error("new window reported open")
	}

	w.Open(t0)

	// Open for every query in [t0, t0+30000), closed at and after expiry,
	// with no explicit close call.
	for _, dt := range []clock.Millis{0, 1, 15000, 29999} {
		if !w.IsOpen(t0 + dt) {
			t.Errorf("window closed at +%dms, want open", dt)
		}
	}
	for _, dt := range []clock.Millis{30000, 30001, 90000} {
		if w.IsOpen(t0 + dt) {
			t.Errorf("window open at +%dms, want closed", dt)
		}
	}
}

// A stale OPEN must self-close on the next tick even with no new events.
func TestWindowTickClosesOnExpiry(t *testing.T) {
	w := NewWindow(0)
	var t0 clock.Millis = 100

	w.Open(t0)

	if w.Tick(t0 + 29999) {
		t.Error("Tick reported a transition before expiry")
	}
	if !w.Tick(t0 + 30000) {
		t.Error("Tick did not report the close transition at expiry")
	}
	if w.Tick(t0 + 30001) {
		t.Error("Tick reported a second transition after closing")
	}
	if w.IsOpen(t0 + 30001) {
		t.Error("window still open after Tick closed it")
	}
}

// Re-opening while open extends the expiry; windows do not queue.
func TestWindowReopenExtends(t *testing.T) {
	w := NewWindow(0)

	w.Open(0)
	w.Open(20000)

	if !w.IsOpen(45000) {
		t.Error("window closed at 45000 after re-open at 20000")
	}
	if w.IsOpen(50000) {
		t.Error("window open at 50000, want closed")
	}
}

func TestWindowExplicitClose(t *testing.T) {
	w := NewWindow(0)

	w.Open(0)
	w.Close()

	if w.IsOpen(1) {
		t.Error("window open after explicit Close")
	}
	if w.Tick(2) {
		t.Error("Tick reported a transition after explicit Close")
	}
}

func TestWindowCustomDuration(t *testing.T) {
	w := NewWindow(500)

	w.Open(0)
	if !w.IsOpen(499) {
		t.Error("window closed at 499ms with 500ms duration")
	}
	if w.IsOpen(500) {
		t.Error("window open at 500ms with 500ms duration")
	}
}

// IsOpen is queried from radio event callbacks while the poll goroutine
// drives Open/Tick; exercised here for the race detector.
func TestWindowConcurrentQuery(t *testing.T) {
	w := NewWindow(0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			w.Open(clock.Millis(i))
			w.Tick(clock.Millis(i + 40000))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			w.IsOpen(clock.Millis(i))
		}
	}()
	wg.Wait()

	if w.IsOpen(100000) {
		t.Error("window open long after the final expiry")
	}
}

// Expiry checks must survive a wraparound of the millisecond counter.
func TestWindowWraparound(t *testing.T) {
	w := NewWindow(0)
	var t0 clock.Millis = 0xFFFFFF00 // 256 ticks before wraparound

	w.Open(t0)

	if !w.IsOpen(0x00000100) { // ~768ms into the window, past the wrap
		t.Error("window closed just after wraparound, want open")
	}
	if w.IsOpen(t0 + 30000) { // wrapped expiry instant
		t.Error("window open at wrapped expiry, want closed")
	}
}
