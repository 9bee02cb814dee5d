//go:build !linux

package gattradio

import (
	"github.com/cradlelink/cradle/pkg/btmgmt"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var errUnsupported = errors.New("bluetooth is only supported on linux")

// Central is a stub for non-Linux platforms.
type Central struct{}

// NewCentral creates a stub central (non-Linux platforms).
func NewCentral(adapter string, mgmt *btmgmt.Client) (*Central, error) {
	log.Warn("pkg gattradio; bluetooth is only supported on linux, creating stub central")
	return &Central{}, nil
}

func (c *Central) Handle(events radio.CentralEvents) {}
func (c *Central) StartScan(params radio.ScanParams) error { return errUnsupported }
func (c *Central) StopScan() error { return errUnsupported }
func (c *Central) Connect(peer identity.Addr, timeoutMillis uint32) (radio.Link, error) {
	return nil, errUnsupported
}
func (c *Central) RequestSecurity(link radio.Link) error { return errUnsupported }
func (c *Central) ResolveControl(link radio.Link) (*radio.Endpoint, error) {
	return nil, errUnsupported
}
func (c *Central) WriteControl(link radio.Link, payload []byte) error { return errUnsupported }
func (c *Central) Disconnect(link radio.Link, reason radio.Reason) error {
	return errUnsupported
}
func (c *Central) Close() error { return nil }

// ControlHandler receives control frames written by the connected peer.
type ControlHandler func(peer identity.Addr, payload []byte)

// Peripheral is a stub for non-Linux platforms.
type Peripheral struct{}

// NewPeripheral creates a stub peripheral (non-Linux platforms).
func NewPeripheral(adapter string, mgmt *btmgmt.Client) (*Peripheral, error) {
	log.Warn("pkg gattradio; bluetooth is only supported on linux, creating stub peripheral")
	return &Peripheral{}, nil
}

func (p *Peripheral) Handle(events radio.PeripheralEvents) {}
func (p *Peripheral) SetControlHandler(h ControlHandler) {}
func (p *Peripheral) Notify(data []byte) error { return errUnsupported }
func (p *Peripheral) StartAdvertising(params radio.AdvParams) error { return errUnsupported }
func (p *Peripheral) StopAdvertising() error { return errUnsupported }
func (p *Peripheral) SetAdvertisedPayload(pairingOpen bool) error { return errUnsupported }
func (p *Peripheral) UpdateConnParams(link radio.Link, params radio.ConnParams) error {
	return errUnsupported
}
func (p *Peripheral) Disconnect(link radio.Link, reason radio.Reason) error {
	return errUnsupported
}
func (p *Peripheral) SetAllowList(peers []identity.Addr) error { return errUnsupported }
func (p *Peripheral) ClearAllowList() error { return errUnsupported }
func (p *Peripheral) Close() error { return nil }
