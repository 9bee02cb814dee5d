// Package frame encodes the periodic control frame and drives its cadence.
package frame

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cradlelink/cradle/pkg/arbiter"
	"github.com/cradlelink/cradle/pkg/clock"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Size is the fixed wire size of a control frame.
const Size = 8

// Frame magic, first two bytes on the wire.
const (
	Magic0 = 0xA5
	Magic1 = 0x5A
)

// DefaultInterval spaces frames at roughly 300 Hz.
const DefaultInterval = 3333 * time.Microsecond

var ErrBadFrame = errors.New("malformed control frame")

// Encode builds a control frame carrying the sender's millisecond clock.
// Layout: magic (2), timestamp little-endian (4), reserved (2).
func Encode(now clock.Millis) []byte {
	buf := make([]byte, Size)
	buf[0] = Magic0
	buf[1] = Magic1
	binary.LittleEndian.PutUint32(buf[2:6], uint32(now))
	return buf
}

// Decode validates a control frame and extracts its timestamp.
func Decode(buf []byte) (clock.Millis, error) {
	if len(buf) != Size {
		return 0, errors.Wrapf(ErrBadFrame, "length %d", len(buf))
	}
	if buf[0] != Magic0 || buf[1] != Magic1 {
		return 0, errors.Wrapf(ErrBadFrame, "magic %02x%02x", buf[0], buf[1])
	}
	return clock.Millis(binary.LittleEndian.Uint32(buf[2:6])), nil
}

// Sender is the transmit surface the pump writes to.
type Sender interface {
	SendControl(payload []byte) error
}

// Pump emits control frames at a fixed cadence for as long as the sender
// will take them. A sender that is not ready drops the frame silently; the
// cadence is best effort, never queued.
type Pump struct {
	sender   Sender
	clk      clock.Clock
	interval time.Duration

	mtx  sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewPump creates a stopped pump. A zero interval selects the default
// cadence.
func NewPump(sender Sender, clk clock.Clock, interval time.Duration) *Pump {
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Pump{sender: sender, clk: clk, interval: interval}
}

// Start launches the transmit loop. Starting a running pump is a no-op.
func (p *Pump) Start() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
	log.Infof("pkg frame; control pump started at %v cadence", p.interval)
}

// Stop halts the transmit loop and waits for it to exit.
func (p *Pump) Stop() {
	p.mtx.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mtx.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info("pkg frame; control pump stopped")
}

// Running reports whether the transmit loop is live.
func (p *Pump) Running() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.stop != nil
}

func (p *Pump) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := p.sender.SendControl(Encode(p.clk.Now()))
			if err != nil && err != arbiter.ErrNotReady {
				log.Warnf("pkg frame; control frame write failed: %v", err)
			}
		}
	}
}
