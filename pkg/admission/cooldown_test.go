package admission

import (
	"testing"

	"github.com/cradlelink/cradle/pkg/clock"
	"github.com/cradlelink/cradle/pkg/identity"
)

func TestCooldownInterval(t *testing.T) {
	c := NewCooldown(0)
	peer := identity.Addr("aa:bb:cc:dd:ee:ff")
	var t1 clock.Millis = 2000

	if c.Active(peer, t1) {
		t.Error("fresh tracker reported an active cooldown")
	}

	c.RecordDisconnect(peer, t1)

	// Rejected for all attempts in [t1, t1+10000), admissible at +10000.
	for _, dt := range []clock.Millis{0, 1, 5000, 9999} {
		if !c.Active(peer, t1+dt) {
			t.Errorf("cooldown inactive at +%dms, want active", dt)
		}
	}
	if c.Active(peer, t1+10000) {
		t.Error("cooldown active at +10000ms, want expired")
	}
}

func TestCooldownOnlyMatchesRecordedPeer(t *testing.T) {
	c := NewCooldown(0)

	c.RecordDisconnect("aa:bb:cc:dd:ee:ff", 0)

	if c.Active("11:22:33:44:55:66", 100) {
		t.Error("cooldown applied to a different peer")
	}
}

// The tracker holds a single slot: a newer disconnect replaces the old one.
func TestCooldownLastPeerWins(t *testing.T) {
	c := NewCooldown(0)

	c.RecordDisconnect("aa:bb:cc:dd:ee:ff", 0)
	c.RecordDisconnect("11:22:33:44:55:66", 5000)

	if c.Active("aa:bb:cc:dd:ee:ff", 6000) {
		t.Error("replaced peer still in cooldown")
	}
	if !c.Active("11:22:33:44:55:66", 6000) {
		t.Error("latest peer not in cooldown")
	}
}

func TestCooldownWraparound(t *testing.T) {
	c := NewCooldown(0)
	peer := identity.Addr("aa:bb:cc:dd:ee:ff")
	var t1 clock.Millis = 0xFFFFFF00

	c.RecordDisconnect(peer, t1)

	if !c.Active(peer, 0x00000100) { // ~768ms later, past the wrap
		t.Error("cooldown inactive just after wraparound, want active")
	}
	if c.Active(peer, t1+10000) {
		t.Error("cooldown active at wrapped expiry, want expired")
	}
}
