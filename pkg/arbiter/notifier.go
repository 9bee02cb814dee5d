package arbiter

import (
	"github.com/cradlelink/cradle/pkg/admission"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"
)

// Notifier receives lifecycle events from the arbiters. It decouples the
// arbiters from whoever observes them (the websocket API, tests).
type Notifier interface {
	// NotifyDecision reports an admission decision for a candidate peer.
	NotifyDecision(peer identity.Addr, decision admission.Decision)

	// NotifyConnected reports a fully admitted, secured connection.
	NotifyConnected(connID string, peer identity.Addr)

	// NotifyDisconnected reports the end of a connection.
	NotifyDisconnected(connID string, peer identity.Addr, reason radio.Reason)

	// NotifyBonded reports a newly recorded bond.
	NotifyBonded(peer identity.Addr)

	// NotifyWindowChanged reports a pairing-window transition.
	NotifyWindowChanged(open bool)

	// NotifyModeChanged reports an operating-mode transition.
	NotifyModeChanged(mode string)
}

// NoOpNotifier is a no-op implementation of Notifier.
type NoOpNotifier struct{}

// NotifyDecision is a no-op implementation.
func (n *NoOpNotifier) NotifyDecision(peer identity.Addr, decision admission.Decision) {}

// NotifyConnected is a no-op implementation.
func (n *NoOpNotifier) NotifyConnected(connID string, peer identity.Addr) {}

// NotifyDisconnected is a no-op implementation.
func (n *NoOpNotifier) NotifyDisconnected(connID string, peer identity.Addr, reason radio.Reason) {
}

// NotifyBonded is a no-op implementation.
func (n *NoOpNotifier) NotifyBonded(peer identity.Addr) {}

// NotifyWindowChanged is a no-op implementation.
func (n *NoOpNotifier) NotifyWindowChanged(open bool) {}

// NotifyModeChanged is a no-op implementation.
func (n *NoOpNotifier) NotifyModeChanged(mode string) {}
