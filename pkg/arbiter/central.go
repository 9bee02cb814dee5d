package arbiter

import (
	"sync"

	"github.com/cradlelink/cradle/pkg/admission"
	"github.com/cradlelink/cradle/pkg/bondstore"
	"github.com/cradlelink/cradle/pkg/clock"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultConnectTimeoutMillis bounds a connect attempt.
const DefaultConnectTimeoutMillis = 5000

// CentralConfig configures the central-side arbiter.
type CentralConfig struct {
	ConnectTimeoutMillis uint32
	Scan                 radio.ScanParams
}

// Central decides, from a stream of scan results, which single peer to
// pursue, and performs the connect sequence from Tick only.
//
// Event handlers record facts into the shared state; Tick alone re-enters
// the radio stack. This split avoids invoking blocking radio operations
// while the stack's own event dispatch is still on the call stack.
type Central struct {
	stack    radio.Central
	bonds    bondstore.Store
	window   *admission.Window
	clk      clock.Clock
	notifier Notifier
	cfg      CentralConfig

	mtx      sync.Mutex
	enabled  bool
	scanning bool
	pending  identity.Addr
	link     radio.Link
	connID   string
	authDone bool
	authEnc  bool
	ready    bool
}

// NewCentral creates a central arbiter. A nil notifier selects the no-op
// notifier; a zero connect timeout selects the default.
func NewCentral(stack radio.Central, bonds bondstore.Store, window *admission.Window, clk clock.Clock, cfg CentralConfig, notifier Notifier) *Central {
	if notifier == nil {
		notifier = &NoOpNotifier{}
	}
	if cfg.ConnectTimeoutMillis == 0 {
		cfg.ConnectTimeoutMillis = DefaultConnectTimeoutMillis
	}
	return &Central{
		stack:    stack,
		bonds:    bonds,
		window:   window,
		clk:      clk,
		notifier: notifier,
		cfg:      cfg,
		enabled:  true,
	}
}

// Events returns the callback set to register with the radio stack.
func (c *Central) Events() radio.CentralEvents {
	return radio.CentralEvents{
		ScanResult:   c.handleScanResult,
		Connected:    c.handleConnected,
		Disconnected: c.handleDisconnected,
		AuthComplete: c.handleAuthComplete,
		ConfirmCode:  c.handleConfirmCode,
	}
}

// handleScanResult runs in the stack's event context: it may latch a
// pending target but performs no radio operation. Promotion to a connect
// attempt happens on the next Tick.
func (c *Central) handleScanResult(adv radio.Advertisement) {
	c.mtx.Lock()
	if c.pending != identity.None || c.link != nil {
		// First match wins; later results produce no state change.
		c.mtx.Unlock()
		return
	}

	in := admission.Input{
		Bonded:     c.bonds.Contains(adv.Peer),
		WindowOpen: c.window.IsOpen(c.clk.Now()),
		PairFlag:   adv.PairingOpen,
	}
	d := admission.Decide(in)
	if d.Accept {
		c.pending = adv.Peer
	}
	c.mtx.Unlock()

	if d.Accept {
		log.Infof("pkg arbiter; latched target %s (%q, rssi %d)", adv.Peer.Short(), adv.Name, adv.RSSI)
	} else {
		log.Tracef("pkg arbiter; scan result %s not admissible: %s", adv.Peer.Short(), d)
	}
}

func (c *Central) handleConnected(link radio.Link) {
	log.Debugf("pkg arbiter; link up with %s", link.Peer().Short())
}

// handleDisconnected clears connected state and pending target
// unconditionally, enabling a fresh scan on the next Tick.
func (c *Central) handleDisconnected(link radio.Link, reason radio.Reason) {
	log.Infof("pkg arbiter; disconnect from %s: %s", link.Peer().Short(), reason)
	c.clearLink(reason)
}

// handleAuthComplete records the security outcome; acting on it (forced
// disconnect of an unencrypted link) belongs to Tick.
func (c *Central) handleAuthComplete(link radio.Link, encrypted, bonded bool) {
	c.mtx.Lock()
	c.authDone = true
	c.authEnc = encrypted
	c.mtx.Unlock()

	log.Debugf("pkg arbiter; auth complete with %s: encrypted=%v bonded=%v",
		link.Peer().Short(), encrypted, bonded)

	if bonded && encrypted {
		if err := c.bonds.Add(link.Peer()); err != nil {
			log.Errorf("pkg arbiter; failed to record bond for %s: %v", link.Peer().Short(), err)
		}
		c.notifier.NotifyBonded(link.Peer())
	}
}

// handleConfirmCode answers a numeric-comparison prompt. Confirmation is
// delegated to the stack and auto-accepted by policy.
func (c *Central) handleConfirmCode(link radio.Link, code uint32) bool {
	log.Infof("pkg arbiter; auto-accepting numeric comparison %06d for %s", code, link.Peer().Short())
	return true
}

// Tick drives one arbitration step. It is the only entry point that calls
// into the radio stack.
func (c *Central) Tick(now clock.Millis) {
	c.mtx.Lock()
	enabled := c.enabled
	pending := c.pending
	link := c.link
	scanning := c.scanning
	authDone := c.authDone
	authEnc := c.authEnc
	ready := c.ready
	c.mtx.Unlock()

	if !enabled {
		return
	}

	switch {
	case link == nil && pending != identity.None:
		c.connectPending(pending, scanning)

	case link != nil && authDone && !ready:
		c.finishHandshake(link, authEnc)

	case link == nil && pending == identity.None && !scanning:
		if err := c.stack.StartScan(c.cfg.Scan); err != nil {
			log.Warnf("pkg arbiter; failed to start scan: %v", err)
			return
		}
		c.setScanning(true)
	}
}

// connectPending promotes the latched target: stop scanning, attempt the
// bounded connect, request link security.
func (c *Central) connectPending(target identity.Addr, scanning bool) {
	if scanning {
		if err := c.stack.StopScan(); err != nil {
			log.Warnf("pkg arbiter; failed to stop scan: %v", err)
		}
		c.setScanning(false)
	}

	log.Infof("pkg arbiter; connecting to %s (timeout %dms)", target.Short(), c.cfg.ConnectTimeoutMillis)
	link, err := c.stack.Connect(target, c.cfg.ConnectTimeoutMillis)
	if err != nil {
		// Transient: clear the target and fall back to scanning on the
		// next tick.
		log.Warnf("pkg arbiter; connect to %s failed: %v", target.Short(), err)
		c.mtx.Lock()
		c.pending = identity.None
		c.mtx.Unlock()
		return
	}

	c.mtx.Lock()
	c.link = link
	c.connID = uuid.New().String()[:8]
	c.authDone = false
	c.authEnc = false
	c.ready = false
	c.mtx.Unlock()

	if err := c.stack.RequestSecurity(link); err != nil {
		log.Warnf("pkg arbiter; security request for %s failed: %v", target.Short(), err)
		c.forceDisconnect(link, radio.ReasonSecurity)
	}
}

// finishHandshake enforces encrypted-or-disconnect, then resolves the
// control endpoint; a missing or non-writable endpoint is fatal for this
// connection, not for the process.
func (c *Central) finishHandshake(link radio.Link, encrypted bool) {
	if !encrypted {
		log.Warnf("pkg arbiter; link with %s not encrypted, disconnecting", link.Peer().Short())
		c.forceDisconnect(link, radio.ReasonSecurity)
		return
	}

	ep, err := c.stack.ResolveControl(link)
	if err != nil || ep == nil || !ep.Writable {
		log.Errorf("pkg arbiter; control endpoint on %s missing or not writable (err=%v)",
			link.Peer().Short(), err)
		c.forceDisconnect(link, radio.ReasonIncompatible)
		return
	}

	c.mtx.Lock()
	c.ready = true
	connID := c.connID
	c.mtx.Unlock()

	log.Infof("pkg arbiter; connected and secured to %s (conn %s)", link.Peer().Short(), connID)
	c.notifier.NotifyConnected(connID, link.Peer())
}

func (c *Central) forceDisconnect(link radio.Link, reason radio.Reason) {
	if err := c.stack.Disconnect(link, reason); err != nil {
		log.Warnf("pkg arbiter; disconnect of %s failed: %v", link.Peer().Short(), err)
	}
	// Clear locally as well; the stack's disconnect event tolerates an
	// already-cleared slot.
	c.clearLink(reason)
}

// clearLink drops all connection state. Safe to call twice for the same
// link; the second call finds nothing to clear.
func (c *Central) clearLink(reason radio.Reason) {
	c.mtx.Lock()
	connID := c.connID
	peer := identity.None
	if c.link != nil {
		peer = c.link.Peer()
	}
	c.link = nil
	c.pending = identity.None
	c.connID = ""
	c.authDone = false
	c.authEnc = false
	c.ready = false
	c.mtx.Unlock()

	if connID != "" {
		c.notifier.NotifyDisconnected(connID, peer, reason)
	}
}

func (c *Central) setScanning(v bool) {
	c.mtx.Lock()
	c.scanning = v
	c.mtx.Unlock()
}

// SetEnabled turns transmission on or off. Disabling synchronously stops
// scanning and tears down any connection before returning; there is no
// asynchronous cancellation. Must be called from the poll context.
func (c *Central) SetEnabled(enabled bool) {
	c.mtx.Lock()
	if c.enabled == enabled {
		c.mtx.Unlock()
		return
	}
	c.enabled = enabled
	scanning := c.scanning
	c.scanning = false
	link := c.link
	c.mtx.Unlock()

	if enabled {
		log.Info("pkg arbiter; transmission enabled")
		return
	}

	log.Info("pkg arbiter; transmission disabled")
	if scanning {
		if err := c.stack.StopScan(); err != nil {
			log.Warnf("pkg arbiter; failed to stop scan: %v", err)
		}
	}
	if link != nil {
		c.forceDisconnect(link, radio.ReasonShutdown)
	}
}

// Enabled reports whether transmission is enabled.
func (c *Central) Enabled() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.enabled
}

// Ready reports whether a secured connection with a resolved control
// endpoint exists.
func (c *Central) Ready() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ready
}

// PendingTarget returns the latched scan target, or identity.None.
func (c *Central) PendingTarget() identity.Addr {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.pending
}

// ConnectedPeer returns the connected peer, or identity.None.
func (c *Central) ConnectedPeer() identity.Addr {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.link == nil {
		return identity.None
	}
	return c.link.Peer()
}

// SendControl writes one control payload over the live connection. It is
// the data-plane gate: the write happens only while connected, ready, and
// transmission-enabled.
func (c *Central) SendControl(payload []byte) error {
	c.mtx.Lock()
	if !c.enabled || !c.ready || c.link == nil {
		c.mtx.Unlock()
		return ErrNotReady
	}
	link := c.link
	c.mtx.Unlock()
	return c.stack.WriteControl(link, payload)
}
