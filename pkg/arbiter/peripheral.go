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

// DefaultFastAdvPeriodMillis is how long advertising stays at the fast
// interval after resuming, before falling back to the slow interval.
const DefaultFastAdvPeriodMillis = 8000

// PeripheralConfig configures the peripheral-side arbiter.
type PeripheralConfig struct {
	Name                  string
	FastAdvIntervalMillis uint16
	SlowAdvIntervalMillis uint16
	FastAdvPeriodMillis   uint32
	// Conn are the tightened connection parameters applied to an admitted
	// link.
	Conn radio.ConnParams
}

type advPhase int

const (
	advOff advPhase = iota
	advFast
	advSlow
)

type actionKind int

const (
	actReject actionKind = iota
	actAccept
	actDisconnect
)

// pendingAction is a radio operation decided inside an event handler but
// deferred to the next Tick, which is the only context allowed to re-enter
// the stack.
type pendingAction struct {
	kind   actionKind
	link   radio.Link
	reason radio.Reason
}

// Peripheral gates inbound connection attempts with the admission policy,
// enforces the single connection slot and the reconnect cooldown, and keeps
// the advertised pairing flag in step with the live window state.
type Peripheral struct {
	stack    radio.Peripheral
	bonds    bondstore.Store
	window   *admission.Window
	cooldown *admission.Cooldown
	clk      clock.Clock
	notifier Notifier
	cfg      PeripheralConfig

	mtx          sync.Mutex
	enabled      bool
	link         radio.Link
	connID       string
	phase        advPhase
	advSince     clock.Millis
	advFlag      bool
	advName      string
	identityGate func(identity.Addr) bool
	actions      []pendingAction
}

// NewPeripheral creates a peripheral arbiter. A nil notifier selects the
// no-op notifier; a zero fast-advertising period selects the default.
func NewPeripheral(stack radio.Peripheral, bonds bondstore.Store, window *admission.Window, cooldown *admission.Cooldown, clk clock.Clock, cfg PeripheralConfig, notifier Notifier) *Peripheral {
	if notifier == nil {
		notifier = &NoOpNotifier{}
	}
	if cfg.FastAdvPeriodMillis == 0 {
		cfg.FastAdvPeriodMillis = DefaultFastAdvPeriodMillis
	}
	return &Peripheral{
		stack:    stack,
		bonds:    bonds,
		window:   window,
		cooldown: cooldown,
		clk:      clk,
		notifier: notifier,
		cfg:      cfg,
		enabled:  true,
		advName:  cfg.Name,
	}
}

// Events returns the callback set to register with the radio stack.
func (p *Peripheral) Events() radio.PeripheralEvents {
	return radio.PeripheralEvents{
		Connected:        p.handleConnected,
		Disconnected:     p.handleDisconnected,
		AuthComplete:     p.handleAuthComplete,
		ConfirmCode:      p.handleConfirmCode,
		IdentityResolved: p.handleIdentityResolved,
	}
}

// handleConnected applies the admission policy to an inbound connection.
// The decision is made here; the resulting radio operations (terminate, or
// tighten parameters and suspend advertising) run on the next Tick.
func (p *Peripheral) handleConnected(link radio.Link) {
	peer := link.Peer()
	now := p.clk.Now()

	p.mtx.Lock()
	open := p.window.IsOpen(now)
	in := admission.Input{
		Bonded:     p.bonds.Contains(peer),
		WindowOpen: open,
		// The peripheral's own advertised flag mirrors its window state.
		PairFlag:     open,
		InCooldown:   p.cooldown.Active(peer, now),
		SlotOccupied: p.link != nil,
	}
	d := admission.Decide(in)
	if d.Accept {
		p.link = link
		p.connID = uuid.New().String()[:8]
		p.actions = append(p.actions, pendingAction{kind: actAccept, link: link})
	} else {
		p.actions = append(p.actions, pendingAction{kind: actReject, link: link, reason: radio.ReasonPolicy})
	}
	p.mtx.Unlock()

	if d.Accept {
		log.Infof("pkg arbiter; admitted inbound connection from %s", peer.Short())
	} else {
		log.Warnf("pkg arbiter; rejecting inbound connection from %s: %s", peer.Short(), d)
	}
	p.notifier.NotifyDecision(peer, d)
}

func (p *Peripheral) handleDisconnected(link radio.Link, reason radio.Reason) {
	p.mtx.Lock()
	ours := p.link != nil && p.link.Peer() == link.Peer()
	p.mtx.Unlock()

	if !ours {
		// A link we already rejected or tore down; nothing to clear.
		log.Tracef("pkg arbiter; disconnect of non-slot link %s: %s", link.Peer().Short(), reason)
		return
	}

	log.Infof("pkg arbiter; peer %s disconnected: %s", link.Peer().Short(), reason)
	p.clearSlot(reason)
}

func (p *Peripheral) handleAuthComplete(link radio.Link, encrypted, bonded bool) {
	log.Debugf("pkg arbiter; auth complete with %s: encrypted=%v bonded=%v",
		link.Peer().Short(), encrypted, bonded)

	if !encrypted {
		log.Warnf("pkg arbiter; link with %s not encrypted, scheduling disconnect", link.Peer().Short())
		p.mtx.Lock()
		p.actions = append(p.actions, pendingAction{kind: actDisconnect, link: link, reason: radio.ReasonSecurity})
		p.mtx.Unlock()
		return
	}

	if bonded {
		if err := p.bonds.Add(link.Peer()); err != nil {
			log.Errorf("pkg arbiter; failed to record bond for %s: %v", link.Peer().Short(), err)
		}
		p.notifier.NotifyBonded(link.Peer())
	}
}

func (p *Peripheral) handleConfirmCode(link radio.Link, code uint32) bool {
	log.Infof("pkg arbiter; auto-accepting numeric comparison %06d for %s", code, link.Peer().Short())
	return true
}

// handleIdentityResolved is the second enforcement point in lockdown: a
// resolved identity the gate refuses is disconnected even though the
// link-layer allow-list already let it through.
func (p *Peripheral) handleIdentityResolved(link radio.Link, id identity.Addr) {
	log.Debugf("pkg arbiter; identity of %s resolved to %s", link.Peer().Short(), id.Short())

	p.mtx.Lock()
	gate := p.identityGate
	if gate != nil && !gate(id) {
		p.actions = append(p.actions, pendingAction{kind: actDisconnect, link: link, reason: radio.ReasonPolicy})
		p.mtx.Unlock()
		log.Warnf("pkg arbiter; resolved identity %s not admitted, scheduling disconnect", id.Short())
		return
	}
	p.mtx.Unlock()
}

// SetIdentityGate installs the resolved-identity check consulted on
// identity-resolution events.
func (p *Peripheral) SetIdentityGate(gate func(identity.Addr) bool) {
	p.mtx.Lock()
	p.identityGate = gate
	p.mtx.Unlock()
}

// Tick drains deferred actions and drives the advertising lifecycle. It is
// the only entry point that calls into the radio stack.
func (p *Peripheral) Tick(now clock.Millis) {
	p.mtx.Lock()
	actions := p.actions
	p.actions = nil
	enabled := p.enabled
	p.mtx.Unlock()

	for _, a := range actions {
		p.perform(a)
	}

	if !enabled {
		return
	}

	p.refreshAdvertisedFlag(now)
	p.driveAdvertising(now)
}

func (p *Peripheral) perform(a pendingAction) {
	switch a.kind {
	case actReject:
		// Terminate with no handshake.
		if err := p.stack.Disconnect(a.link, a.reason); err != nil {
			log.Warnf("pkg arbiter; failed to terminate rejected link %s: %v", a.link.Peer().Short(), err)
		}

	case actAccept:
		if err := p.stack.UpdateConnParams(a.link, p.cfg.Conn); err != nil {
			log.Warnf("pkg arbiter; failed to tighten connection parameters for %s: %v",
				a.link.Peer().Short(), err)
		}
		// Single-connection enforcement: no second listener while the
		// slot is occupied.
		p.suspendAdvertising()

		p.mtx.Lock()
		connID := p.connID
		p.mtx.Unlock()
		p.notifier.NotifyConnected(connID, a.link.Peer())

	case actDisconnect:
		if err := p.stack.Disconnect(a.link, a.reason); err != nil {
			log.Warnf("pkg arbiter; failed to disconnect %s: %v", a.link.Peer().Short(), err)
		}
		p.mtx.Lock()
		ours := p.link != nil && p.link.Peer() == a.link.Peer()
		p.mtx.Unlock()
		if ours {
			p.clearSlot(a.reason)
		}
	}
}

// refreshAdvertisedFlag keeps the advertised payload in step with the live
// window state, not just the state at advertising start.
func (p *Peripheral) refreshAdvertisedFlag(now clock.Millis) {
	p.mtx.Lock()
	flag := p.window.IsOpen(now)
	changed := p.phase != advOff && flag != p.advFlag
	p.advFlag = flag
	p.mtx.Unlock()

	if changed {
		log.Infof("pkg arbiter; refreshing advertised pairing flag: %v", flag)
		if err := p.stack.SetAdvertisedPayload(flag); err != nil {
			log.Warnf("pkg arbiter; failed to refresh advertised payload: %v", err)
		}
	}
}

// driveAdvertising resumes advertising while the slot is free: fast
// interval immediately after a vacancy, slow interval once the fast period
// has run out.
func (p *Peripheral) driveAdvertising(now clock.Millis) {
	p.mtx.Lock()
	occupied := p.link != nil
	phase := p.phase
	advSince := p.advSince
	flag := p.advFlag
	name := p.advName
	p.mtx.Unlock()

	if occupied {
		if phase != advOff {
			p.suspendAdvertising()
		}
		return
	}

	switch phase {
	case advOff:
		params := radio.AdvParams{Name: name, IntervalMillis: p.cfg.FastAdvIntervalMillis, PairingOpen: flag}
		if err := p.stack.StartAdvertising(params); err != nil {
			log.Warnf("pkg arbiter; failed to start advertising: %v", err)
			return
		}
		log.Infof("pkg arbiter; advertising as %q (fast interval)", name)
		p.mtx.Lock()
		p.phase = advFast
		p.advSince = now
		p.mtx.Unlock()

	case advFast:
		if clock.Since(now, advSince) < int32(p.cfg.FastAdvPeriodMillis) {
			return
		}
		params := radio.AdvParams{Name: name, IntervalMillis: p.cfg.SlowAdvIntervalMillis, PairingOpen: flag}
		if err := p.stack.StopAdvertising(); err != nil {
			log.Warnf("pkg arbiter; failed to stop advertising: %v", err)
		}
		if err := p.stack.StartAdvertising(params); err != nil {
			log.Warnf("pkg arbiter; failed to restart advertising slow: %v", err)
			p.mtx.Lock()
			p.phase = advOff
			p.mtx.Unlock()
			return
		}
		log.Debugf("pkg arbiter; advertising fell back to slow interval after %dms idle",
			p.cfg.FastAdvPeriodMillis)
		p.mtx.Lock()
		p.phase = advSlow
		p.mtx.Unlock()
	}
}

func (p *Peripheral) suspendAdvertising() {
	p.mtx.Lock()
	active := p.phase != advOff
	p.phase = advOff
	p.mtx.Unlock()

	if active {
		if err := p.stack.StopAdvertising(); err != nil {
			log.Warnf("pkg arbiter; failed to suspend advertising: %v", err)
		}
	}
}

// clearSlot vacates the connection slot, starts the peer's cooldown, and
// lets Tick resume advertising at the fast interval.
func (p *Peripheral) clearSlot(reason radio.Reason) {
	p.mtx.Lock()
	if p.link == nil {
		p.mtx.Unlock()
		return
	}
	peer := p.link.Peer()
	connID := p.connID
	p.link = nil
	p.connID = ""
	p.cooldown.RecordDisconnect(peer, p.clk.Now())
	p.mtx.Unlock()

	p.notifier.NotifyDisconnected(connID, peer, reason)
}

// SetAdvertisedName changes the advertised identity and, if currently
// advertising, restarts the advertiser under the new name. Must be called
// from the poll context.
func (p *Peripheral) SetAdvertisedName(name string) {
	p.mtx.Lock()
	p.advName = name
	active := p.phase != advOff
	p.phase = advOff
	p.mtx.Unlock()

	if active {
		if err := p.stack.StopAdvertising(); err != nil {
			log.Warnf("pkg arbiter; failed to stop advertising for rename: %v", err)
		}
		// Tick restarts advertising under the new name.
	}
	log.Infof("pkg arbiter; advertised identity set to %q", name)
}

// DisconnectAll forcibly disconnects the occupied slot, if any. Must be
// called from the poll context.
func (p *Peripheral) DisconnectAll(reason radio.Reason) {
	p.mtx.Lock()
	link := p.link
	p.mtx.Unlock()

	if link == nil {
		return
	}
	if err := p.stack.Disconnect(link, reason); err != nil {
		log.Warnf("pkg arbiter; failed to disconnect %s: %v", link.Peer().Short(), err)
	}
	p.clearSlot(reason)
}

// SetEnabled turns the peripheral on or off. Disabling synchronously stops
// advertising and tears down any connection before returning. Must be
// called from the poll context.
func (p *Peripheral) SetEnabled(enabled bool) {
	p.mtx.Lock()
	if p.enabled == enabled {
		p.mtx.Unlock()
		return
	}
	p.enabled = enabled
	p.mtx.Unlock()

	if enabled {
		log.Info("pkg arbiter; peripheral enabled")
		return
	}

	log.Info("pkg arbiter; peripheral disabled")
	p.suspendAdvertising()
	p.DisconnectAll(radio.ReasonShutdown)
}

// ConnectedPeer returns the peer occupying the slot, or identity.None.
func (p *Peripheral) ConnectedPeer() identity.Addr {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.link == nil {
		return identity.None
	}
	return p.link.Peer()
}

// Advertising reports whether the advertiser is currently on.
func (p *Peripheral) Advertising() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.phase != advOff
}
