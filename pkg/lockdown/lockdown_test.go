package lockdown

import (
	"errors"
	"testing"

	"github.com/cradlelink/cradle/pkg/bondstore"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"
)

type fakeFilter struct {
	allowLists [][]identity.Addr
	cleared    int
	setErr     error
}

func (f *fakeFilter) SetAllowList(peers []identity.Addr) error {
	if f.setErr != nil {
		return f.setErr
	}
	cp := make([]identity.Addr, len(peers))
	copy(cp, peers)
	f.allowLists = append(f.allowLists, cp)
	return nil
}

func (f *fakeFilter) ClearAllowList() error {
	f.cleared++
	return nil
}

type fakeArbiter struct {
	gate        func(identity.Addr) bool
	gateSet     int
	names       []string
	disconnects []radio.Reason
}

func (f *fakeArbiter) SetIdentityGate(gate func(identity.Addr) bool) {
	f.gate = gate
	f.gateSet++
}

func (f *fakeArbiter) SetAdvertisedName(name string) {
	f.names = append(f.names, name)
}

func (f *fakeArbiter) DisconnectAll(reason radio.Reason) {
	f.disconnects = append(f.disconnects, reason)
}

func newControllerUnderTest() (*Controller, *fakeFilter, *fakeArbiter, *bondstore.Memory) {
	filter := &fakeFilter{}
	arb := &fakeArbiter{}
	bonds := bondstore.NewMemory()
	c := NewController(filter, arb, bonds, Config{
		PairingName:  "cradle-0001",
		LockdownName: "cradle-0001-locked",
	})
	return c, filter, arb, bonds
}

func TestControllerStartsInPairing(t *testing.T) {
	c, filter, arb, _ := newControllerUnderTest()

	if c.Mode() != ModePairing {
		t.Fatalf("initial mode = %s, want pairing", c.Mode())
	}
	if len(filter.allowLists) != 0 || filter.cleared != 0 || len(arb.names) != 0 {
		t.Error("controller touched the stack before the first transition")
	}
}

func TestControllerEntersLockdown(t *testing.T) {
	c, filter, arb, bonds := newControllerUnderTest()
	bonds.Add("aa:bb:cc:dd:ee:ff")
	bonds.Add("11:22:33:44:55:66")

	if err := c.SetMode(ModeLockdown); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	if c.Mode() != ModeLockdown {
		t.Fatal("mode did not change")
	}
	if len(filter.allowLists) != 1 || len(filter.allowLists[0]) != 2 {
		t.Errorf("allow-list calls = %v, want one snapshot of both bonds", filter.allowLists)
	}
	if arb.gate == nil {
		t.Fatal("identity gate not installed")
	}
	if len(arb.names) != 1 || arb.names[0] != "cradle-0001-locked" {
		t.Errorf("advertised names = %v", arb.names)
	}
	if len(arb.disconnects) != 1 || arb.disconnects[0] != radio.ReasonModeChange {
		t.Errorf("disconnects = %v, want one mode-change disconnect", arb.disconnects)
	}
}

// The allow-list is a snapshot: a bond added after the transition is not
// reflected at the link layer, but the identity gate reads the live store
// and admits it.
func TestControllerSnapshotVersusLiveGate(t *testing.T) {
	c, filter, arb, bonds := newControllerUnderTest()
	bonds.Add("aa:bb:cc:dd:ee:ff")

	if err := c.SetMode(ModeLockdown); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	bonds.Add("11:22:33:44:55:66")

	if len(filter.allowLists) != 1 || len(filter.allowLists[0]) != 1 {
		t.Errorf("allow-list rebuilt incrementally: %v", filter.allowLists)
	}
	if !arb.gate("11:22:33:44:55:66") {
		t.Error("identity gate does not read the live store")
	}
	if arb.gate("de:ad:be:ef:00:00") {
		t.Error("identity gate admits an unbonded identity")
	}
}

func TestControllerReturnsToPairing(t *testing.T) {
	c, filter, arb, bonds := newControllerUnderTest()
	bonds.Add("aa:bb:cc:dd:ee:ff")

	if err := c.SetMode(ModeLockdown); err != nil {
		t.Fatalf("SetMode lockdown: %v", err)
	}
	if err := c.SetMode(ModePairing); err != nil {
		t.Fatalf("SetMode pairing: %v", err)
	}

	if filter.cleared != 1 {
		t.Error("allow-list not cleared on return to pairing")
	}
	if arb.gate != nil {
		t.Error("identity gate not dropped on return to pairing")
	}
	if len(arb.names) != 2 || arb.names[1] != "cradle-0001" {
		t.Errorf("advertised names = %v", arb.names)
	}
	// One forced disconnect per transition, in both directions.
	if len(arb.disconnects) != 2 {
		t.Errorf("disconnects = %v, want one per transition", arb.disconnects)
	}
}

func TestControllerToggle(t *testing.T) {
	c, _, _, _ := newControllerUnderTest()

	if err := c.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if c.Mode() != ModeLockdown {
		t.Fatal("toggle did not enter lockdown")
	}
	if err := c.Toggle(); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if c.Mode() != ModePairing {
		t.Fatal("toggle did not return to pairing")
	}
}

func TestControllerSetModeIsIdempotent(t *testing.T) {
	c, filter, arb, _ := newControllerUnderTest()

	if err := c.SetMode(ModePairing); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if filter.cleared != 0 || len(arb.disconnects) != 0 {
		t.Error("redundant transition touched the stack")
	}
}

func TestControllerKeepsModeOnFilterError(t *testing.T) {
	c, filter, arb, _ := newControllerUnderTest()
	filter.setErr = errors.New("hci down")

	if err := c.SetMode(ModeLockdown); err == nil {
		t.Fatal("SetMode did not surface the filter error")
	}
	if c.Mode() != ModePairing {
		t.Error("mode changed despite the failed allow-list rebuild")
	}
	if len(arb.disconnects) != 0 {
		t.Error("peers disconnected despite the failed transition")
	}
}

func TestControllerListener(t *testing.T) {
	c, _, _, _ := newControllerUnderTest()
	var modes []string
	c.SetListener(func(m string) { modes = append(modes, m) })

	c.SetMode(ModeLockdown)
	c.SetMode(ModePairing)

	if len(modes) != 2 || modes[0] != "lockdown" || modes[1] != "pairing" {
		t.Errorf("listener calls = %v", modes)
	}
}

func TestParseMode(t *testing.T) {
	if m, ok := ParseMode("lockdown"); !ok || m != ModeLockdown {
		t.Error("lockdown did not parse")
	}
	if m, ok := ParseMode("pairing"); !ok || m != ModePairing {
		t.Error("pairing did not parse")
	}
	if _, ok := ParseMode("open"); ok {
		t.Error("unknown mode parsed")
	}
}
