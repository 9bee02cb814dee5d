package button

import (
	"sync/atomic"

	"github.com/cradlelink/cradle/pkg/clock"

	log "github.com/sirupsen/logrus"
)

// Event is a classified input event. A single physical press yields at most
// one of ShortPress or LongPress.
type Event int

const (
	None Event = iota
	ShortPress
	LongPress
	ToggleOn
	ToggleOff
)

func (e Event) String() string {
	switch e {
	case None:
		return "None"
	case ShortPress:
		return "ShortPress"
	case LongPress:
		return "LongPress"
	case ToggleOn:
		return "ToggleOn"
	case ToggleOff:
		return "ToggleOff"
	default:
		return "Unknown"
	}
}

// Mode selects how a debounced level change is classified.
type Mode int

const (
	// Momentary inputs emit ShortPress/LongPress per press.
	Momentary Mode = iota
	// Toggle inputs emit ToggleOn/ToggleOff per stable level change.
	Toggle
)

const (
	// DefaultDebounceMillis is the default debounce interval.
	DefaultDebounceMillis = 50
	// DefaultLongPressMillis is the default long-press threshold.
	DefaultLongPressMillis = 1500
)

// Classifier converts a raw boolean level, sampled at 100 Hz or faster,
// into classified events. It has no side effects beyond the returned event;
// acting on an event is the caller's job.
type Classifier struct {
	mode            Mode
	debounceMillis  uint32
	longPressMillis uint32

	raw      bool
	rawSince clock.Millis
	stable   bool

	pressedAt clock.Millis
	longFired bool
}

// NewClassifier creates a classifier with the given mode and intervals.
// Zero intervals select the defaults.
func NewClassifier(mode Mode, debounceMillis, longPressMillis uint32) *Classifier {
	if debounceMillis == 0 {
		debounceMillis = DefaultDebounceMillis
	}
	if longPressMillis == 0 {
		longPressMillis = DefaultLongPressMillis
	}
	return &Classifier{
		mode:            mode,
		debounceMillis:  debounceMillis,
		longPressMillis: longPressMillis,
	}
}

// Sample feeds one raw level sample and returns the classified event for
// this tick, if any.
//
// Long presses are classified the moment the threshold is crossed, not at
// release, so the signal is not delayed by the hold duration. The release
// following a fired LongPress emits nothing.
func (c *Classifier) Sample(level bool, now clock.Millis) Event {
	if level != c.raw {
		c.raw = level
		c.rawSince = now
	}

	// Long-press threshold crossing fires while the level is held, before
	// any release edge exists to debounce.
	if c.mode == Momentary && c.stable && !c.longFired &&
		clock.Since(now, c.pressedAt) >= int32(c.longPressMillis) {
		c.longFired = true
		log.Debugf("pkg button; long press at +%dms", clock.Since(now, c.pressedAt))
		return LongPress
	}

	if c.raw == c.stable {
		return None
	}
	if clock.Since(now, c.rawSince) < int32(c.debounceMillis) {
		return None
	}

	// Debounced level change.
	c.stable = c.raw

	if c.mode == Toggle {
		if c.stable {
			return ToggleOn
		}
		return ToggleOff
	}

	if c.stable {
		// Press edge: start tracking, no event yet.
		c.pressedAt = c.rawSince
		c.longFired = false
		return None
	}

	// Release edge.
	if c.longFired {
		return None
	}
	log.Debugf("pkg button; short press (%dms)", clock.Since(now, c.pressedAt))
	return ShortPress
}

// Level returns the current debounced level.
func (c *Classifier) Level() bool {
	return c.stable
}

// WakeFlag is the single-slot "event pending" flag shared between an
// edge-triggered wake path and the poll loop. The wake path only sets the
// flag; the poll loop clears it and must re-validate the physical level
// before acting, since contact bounce can set the flag spuriously. A
// deployment that samples the level every tick, like the sysfs polling in
// cmd main, has no wake path and does not need the flag.
type WakeFlag struct {
	v uint32
}

// Set marks a wake event pending. Safe to call from any context.
func (f *WakeFlag) Set() {
	atomic.StoreUint32(&f.v, 1)
}

// Take clears a pending wake event and reports whether one was pending.
func (f *WakeFlag) Take() bool {
	return atomic.SwapUint32(&f.v, 0) == 1
}
