// Package radio declares the interface to the underlying BLE stack. The
// stack itself (scanning, advertising, link establishment, encryption) is
// an external collaborator; everything here is consumed, not implemented,
// by the admission logic.
package radio

import "github.com/cradlelink/cradle/pkg/identity"

// Reason classifies why a link is being (or was) torn down.
type Reason string

const (
	// ReasonRemote: the peer closed the link.
	ReasonRemote Reason = "remote"
	// ReasonTimeout: a connect attempt timed out.
	ReasonTimeout Reason = "timeout"
	// ReasonPolicy: the admission policy rejected the peer.
	ReasonPolicy Reason = "policy"
	// ReasonSecurity: the link failed to encrypt.
	ReasonSecurity Reason = "security"
	// ReasonIncompatible: the expected control endpoint is missing.
	ReasonIncompatible Reason = "incompatible"
	// ReasonModeChange: an operating-mode transition tore the link down.
	ReasonModeChange Reason = "mode-change"
	// ReasonShutdown: the controller is stopping.
	ReasonShutdown Reason = "shutdown"
)

// Advertisement is one scan result.
type Advertisement struct {
	Peer identity.Addr
	Name string
	// PairingOpen is the flag byte embedded in the advertised payload,
	// reflecting the advertiser's live pairing-window state.
	PairingOpen bool
	RSSI        int
}

// Link is an established (or establishing) connection to one peer.
type Link interface {
	Peer() identity.Addr
}

// ScanParams configures scanning.
type ScanParams struct {
	IntervalMillis uint16
	WindowMillis   uint16
	Active         bool
}

// AdvParams configures advertising.
type AdvParams struct {
	Name           string
	IntervalMillis uint16
	// PairingOpen seeds the advertised flag byte; refresh it later with
	// SetAdvertisedPayload.
	PairingOpen bool
}

// ConnParams are link connection parameters.
type ConnParams struct {
	MinIntervalMillis uint16
	MaxIntervalMillis uint16
	Latency           uint16
	TimeoutMillis     uint16
}

// Endpoint is the resolved control service/characteristic on a peer.
type Endpoint struct {
	Service        string
	Characteristic string
	Writable       bool
}

// Central is the scanning/connecting side of the stack.
//
// Connect blocks for at most the given timeout and reports failure as an
// error; there is no indefinite hang. All methods may re-enter the stack
// and must therefore only ever be called from the poll loop, never from an
// event callback.
type Central interface {
	StartScan(params ScanParams) error
	StopScan() error
	Connect(peer identity.Addr, timeoutMillis uint32) (Link, error)
	RequestSecurity(link Link) error
	ResolveControl(link Link) (*Endpoint, error)
	WriteControl(link Link, payload []byte) error
	Disconnect(link Link, reason Reason) error
}

// CentralEvents are delivered from the stack's own execution context.
// Handlers must restrict themselves to recording facts; see pkg/arbiter.
type CentralEvents struct {
	ScanResult   func(adv Advertisement)
	Connected    func(link Link)
	Disconnected func(link Link, reason Reason)
	// AuthComplete reports the outcome of the security handshake.
	AuthComplete func(link Link, encrypted, bonded bool)
	// ConfirmCode must answer a numeric-comparison prompt.
	ConfirmCode func(link Link, code uint32) bool
}

// Peripheral is the advertising/accepting side of the stack.
type Peripheral interface {
	StartAdvertising(params AdvParams) error
	StopAdvertising() error
	// SetAdvertisedPayload refreshes the advertised pairing flag byte
	// without restarting the advertiser's identity.
	SetAdvertisedPayload(pairingOpen bool) error
	UpdateConnParams(link Link, params ConnParams) error
	Disconnect(link Link, reason Reason) error
	// SetAllowList installs a link-layer filter admitting only the given
	// identities. ClearAllowList removes the filter entirely.
	SetAllowList(peers []identity.Addr) error
	ClearAllowList() error
}

// PeripheralEvents are delivered from the stack's own execution context.
type PeripheralEvents struct {
	Connected    func(link Link)
	Disconnected func(link Link, reason Reason)
	AuthComplete func(link Link, encrypted, bonded bool)
	ConfirmCode  func(link Link, code uint32) bool
	// IdentityResolved fires once the stack resolves a rotating address to
	// the peer's stable identity.
	IdentityResolved func(link Link, id identity.Addr)
}
