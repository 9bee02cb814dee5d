package admission

import (
	"github.com/cradlelink/cradle/pkg/clock"
	"github.com/cradlelink/cradle/pkg/identity"

	log "github.com/sirupsen/logrus"
)

// DefaultCooldownMillis is the default reconnect cooldown.
const DefaultCooldownMillis = 10000

// Cooldown tracks the most recently disconnected peer. A peer within the
// cooldown interval must be rejected even when otherwise admissible. Only
// the last peer is tracked; an older disconnect is overwritten.
type Cooldown struct {
	durationMillis uint32
	peer           identity.Addr
	at             clock.Millis
	set            bool
}

// NewCooldown creates a cooldown tracker. A zero duration selects the
// default.
func NewCooldown(durationMillis uint32) *Cooldown {
	if durationMillis == 0 {
		durationMillis = DefaultCooldownMillis
	}
	return &Cooldown{durationMillis: durationMillis}
}

// RecordDisconnect notes that the peer disconnected at now.
func (c *Cooldown) RecordDisconnect(peer identity.Addr, now clock.Millis) {
	c.peer = peer
	c.at = now
	c.set = true
	log.Debugf("pkg admission; cooldown started for %s (%dms)", peer.Short(), c.durationMillis)
}

// Active reports whether the peer is inside its cooldown interval:
// [disconnect, disconnect+duration).
func (c *Cooldown) Active(peer identity.Addr, now clock.Millis) bool {
	if !c.set || peer != c.peer {
		return false
	}
	elapsed := clock.Since(now, c.at)
	return elapsed >= 0 && elapsed < int32(c.durationMillis)
}
