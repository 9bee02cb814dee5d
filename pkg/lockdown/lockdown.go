// Package lockdown implements the operating-mode switch between an open
// pairing posture and a locked-down posture in which only bonded peers may
// reach the link layer.
package lockdown

import (
	"github.com/cradlelink/cradle/pkg/bondstore"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"

	log "github.com/sirupsen/logrus"
)

// Mode is the operating mode of the peripheral.
type Mode int

const (
	// ModePairing enforces no link-layer allow-list; any identity may
	// attempt a connection and the admission policy decides from there.
	ModePairing Mode = iota
	// ModeLockdown restricts the link layer to an allow-list snapshotted
	// from the bond store at transition time.
	ModeLockdown
)

func (m Mode) String() string {
	switch m {
	case ModePairing:
		return "pairing"
	case ModeLockdown:
		return "lockdown"
	default:
		return "unknown"
	}
}

// ParseMode parses the wire form produced by Mode.String.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "pairing":
		return ModePairing, true
	case "lockdown":
		return ModeLockdown, true
	default:
		return ModePairing, false
	}
}

// Filter is the link-layer allow-list surface of the radio stack.
type Filter interface {
	SetAllowList(peers []identity.Addr) error
	ClearAllowList() error
}

// Arbiter is the slice of the peripheral arbiter the controller drives on
// mode transitions.
type Arbiter interface {
	SetIdentityGate(gate func(identity.Addr) bool)
	SetAdvertisedName(name string)
	DisconnectAll(reason radio.Reason)
}

// Config names the advertised identities for the two modes.
type Config struct {
	PairingName  string
	LockdownName string
}

// ModeListener is notified after a mode transition completes.
type ModeListener func(mode string)

// Controller owns the operating mode. All methods must be called from the
// poll context; the controller performs radio operations directly.
type Controller struct {
	filter   Filter
	arb      Arbiter
	bonds    bondstore.Store
	cfg      Config
	mode     Mode
	listener ModeListener
}

// NewController creates a controller starting in pairing mode. It does not
// touch the radio stack until the first transition.
func NewController(filter Filter, arb Arbiter, bonds bondstore.Store, cfg Config) *Controller {
	return &Controller{
		filter: filter,
		arb:    arb,
		bonds:  bonds,
		cfg:    cfg,
		mode:   ModePairing,
	}
}

// SetListener installs a callback invoked after each completed transition.
func (c *Controller) SetListener(l ModeListener) {
	c.listener = l
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Toggle flips the operating mode.
func (c *Controller) Toggle() error {
	if c.mode == ModePairing {
		return c.SetMode(ModeLockdown)
	}
	return c.SetMode(ModePairing)
}

// SetMode transitions into the given mode. Entering lockdown rebuilds the
// allow-list as a snapshot of the bond store; peers bonded after the
// transition are not admitted at the link layer until the next rebuild.
// Any connected peer is forcibly disconnected on every transition, in
// either direction.
func (c *Controller) SetMode(mode Mode) error {
	if mode == c.mode {
		return nil
	}

	var err error
	switch mode {
	case ModeLockdown:
		err = c.enterLockdown()
	case ModePairing:
		err = c.enterPairing()
	}
	if err != nil {
		return err
	}

	c.mode = mode
	// The new mode applies uniformly; connections admitted under the old
	// mode do not survive it.
	c.arb.DisconnectAll(radio.ReasonModeChange)

	log.Infof("pkg lockdown; operating mode now %s", mode)
	if c.listener != nil {
		c.listener(mode.String())
	}
	return nil
}

func (c *Controller) enterLockdown() error {
	snapshot := c.bonds.SnapshotAll()
	log.Infof("pkg lockdown; entering lockdown with %d allow-listed peers", len(snapshot))

	if err := c.filter.SetAllowList(snapshot); err != nil {
		return err
	}
	// Second enforcement point: a resolved identity is checked against the
	// live store, catching rotating-address peers the link-layer filter
	// could not match.
	c.arb.SetIdentityGate(c.bonds.Contains)
	c.arb.SetAdvertisedName(c.cfg.LockdownName)
	return nil
}

func (c *Controller) enterPairing() error {
	log.Info("pkg lockdown; entering pairing mode, allow-list dropped")

	if err := c.filter.ClearAllowList(); err != nil {
		return err
	}
	c.arb.SetIdentityGate(nil)
	c.arb.SetAdvertisedName(c.cfg.PairingName)
	return nil
}
