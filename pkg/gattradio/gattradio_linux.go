//go:build linux

package gattradio

import (
	"sync"
	"time"

	"github.com/cradlelink/cradle/pkg/btmgmt"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/linux/cmd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const poweredOnTimeout = 10 * time.Second

type centralLink struct {
	peer identity.Addr
	p    gatt.Peripheral

	mtx  sync.Mutex
	ctrl *gatt.Characteristic
}

func (l *centralLink) Peer() identity.Addr { return l.peer }

type peripheralLink struct {
	peer identity.Addr
	c    gatt.Central
}

func (l *peripheralLink) Peer() identity.Addr { return l.peer }

// Central is the scanning/connecting radio role on Linux.
type Central struct {
	device gatt.Device
	mgmt   *btmgmt.Client
	events radio.CentralEvents

	mtx        sync.Mutex
	discovered map[identity.Addr]gatt.Peripheral
	links      map[identity.Addr]*centralLink
	waiters    map[identity.Addr]chan error
}

// NewCentral opens the adapter in the central role. The management client
// handles pairing, which the GATT layer does not expose. Register event
// handlers with Handle before starting a scan.
func NewCentral(adapter string, mgmt *btmgmt.Client) (*Central, error) {
	idx, err := btmgmt.AdapterIndex(adapter)
	if err != nil {
		return nil, err
	}

	d, err := gatt.NewDevice(gatt.LnxDeviceID(idx, true))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device")
	}

	c := &Central{
		device:     d,
		mgmt:       mgmt,
		discovered: make(map[identity.Addr]gatt.Peripheral),
		links:      make(map[identity.Addr]*centralLink),
		waiters:    make(map[identity.Addr]chan error),
	}

	d.Handle(
		gatt.PeripheralDiscovered(c.onDiscovered),
		gatt.PeripheralConnected(c.onConnected),
		gatt.PeripheralDisconnected(c.onDisconnected),
	)

	ready := make(chan struct{})
	var once sync.Once
	err = d.Init(func(d gatt.Device, s gatt.State) {
		log.Debugf("pkg gattradio; central adapter state: %s", s)
		if s == gatt.StatePoweredOn {
			once.Do(func() { close(ready) })
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not init bluetooth")
	}

	select {
	case <-ready:
	case <-time.After(poweredOnTimeout):
		return nil, errors.New("adapter did not power on")
	}
	return c, nil
}

// Handle registers the event callbacks. Call it before StartScan.
func (c *Central) Handle(events radio.CentralEvents) {
	c.events = events
}

func (c *Central) onDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	open, ours := parsePairingFlag(a.ManufacturerData)
	if !ours {
		return
	}
	peer := identity.Normalize(p.ID())

	c.mtx.Lock()
	c.discovered[peer] = p
	c.mtx.Unlock()

	if c.events.ScanResult != nil {
		c.events.ScanResult(radio.Advertisement{
			Peer:        peer,
			Name:        a.LocalName,
			PairingOpen: open,
			RSSI:        rssi,
		})
	}
}

func (c *Central) onConnected(p gatt.Peripheral, err error) {
	peer := identity.Normalize(p.ID())

	c.mtx.Lock()
	ch := c.waiters[peer]
	delete(c.waiters, peer)
	var link *centralLink
	if err == nil {
		link = &centralLink{peer: peer, p: p}
		c.links[peer] = link
	}
	c.mtx.Unlock()

	if ch != nil {
		ch <- err
	}
	if err == nil && c.events.Connected != nil {
		c.events.Connected(link)
	}
}

func (c *Central) onDisconnected(p gatt.Peripheral, err error) {
	peer := identity.Normalize(p.ID())
	log.Tracef("pkg gattradio; link with %s dropped: %v", peer.Short(), err)

	c.mtx.Lock()
	link := c.links[peer]
	delete(c.links, peer)
	c.mtx.Unlock()

	if link == nil {
		link = &centralLink{peer: peer, p: p}
	}
	if c.events.Disconnected != nil {
		c.events.Disconnected(link, radio.ReasonRemote)
	}
}

// StartScan begins scanning. The stack exposes no per-scan interval
// control; ScanParams timing fields are advisory here.
func (c *Central) StartScan(params radio.ScanParams) error {
	c.device.Scan(nil, false)
	return nil
}

func (c *Central) StopScan() error {
	c.device.StopScanning()
	return nil
}

// Connect dials a previously discovered peer, waiting at most the given
// timeout before cancelling the attempt.
func (c *Central) Connect(peer identity.Addr, timeoutMillis uint32) (radio.Link, error) {
	c.mtx.Lock()
	p, ok := c.discovered[peer]
	if !ok {
		c.mtx.Unlock()
		return nil, errors.Errorf("peer %s not in scan cache", peer.Short())
	}
	ch := make(chan error, 1)
	c.waiters[peer] = ch
	c.mtx.Unlock()

	c.device.Connect(p)

	select {
	case err := <-ch:
		if err != nil {
			return nil, errors.Wrapf(err, "connect to %s failed", peer.Short())
		}
		c.mtx.Lock()
		link := c.links[peer]
		c.mtx.Unlock()
		return link, nil

	case <-time.After(time.Duration(timeoutMillis) * time.Millisecond):
		c.mtx.Lock()
		delete(c.waiters, peer)
		c.mtx.Unlock()
		c.device.CancelConnection(p)
		return nil, errors.Errorf("connect to %s timed out after %dms", peer.Short(), timeoutMillis)
	}
}

// RequestSecurity starts the pairing handshake through the management
// console. The outcome arrives as an AuthComplete event.
func (c *Central) RequestSecurity(link radio.Link) error {
	go func() {
		err := c.mgmt.Pair(link.Peer())
		if err != nil {
			log.Warnf("pkg gattradio; pairing with %s failed: %v", link.Peer().Short(), err)
		}
		if c.events.AuthComplete != nil {
			c.events.AuthComplete(link, err == nil, err == nil)
		}
	}()
	return nil
}

// ResolveControl discovers the control service and characteristic on the
// connected peer.
func (c *Central) ResolveControl(link radio.Link) (*radio.Endpoint, error) {
	cl, ok := link.(*centralLink)
	if !ok {
		return nil, errors.New("link is not a gatt link")
	}

	svcUUID := gatt.MustParseUUID(ControlServiceUUID)
	charUUID := gatt.MustParseUUID(ControlCharUUID)

	ss, err := cl.p.DiscoverServices([]gatt.UUID{svcUUID})
	if err != nil {
		return nil, errors.Wrap(err, "service discovery failed")
	}
	var svc *gatt.Service
	for _, s := range ss {
		if s.UUID().Equal(svcUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, errors.Errorf("peer %s does not carry the control service", cl.peer.Short())
	}

	cs, err := cl.p.DiscoverCharacteristics([]gatt.UUID{charUUID}, svc)
	if err != nil {
		return nil, errors.Wrap(err, "characteristic discovery failed")
	}
	for _, ch := range cs {
		if !ch.UUID().Equal(charUUID) {
			continue
		}
		cl.mtx.Lock()
		cl.ctrl = ch
		cl.mtx.Unlock()
		writable := ch.Properties()&(gatt.CharWrite|gatt.CharWriteNR) != 0
		return &radio.Endpoint{
			Service:        ControlServiceUUID,
			Characteristic: ControlCharUUID,
			Writable:       writable,
		}, nil
	}
	return nil, errors.Errorf("peer %s does not carry the control characteristic", cl.peer.Short())
}

func (c *Central) WriteControl(link radio.Link, payload []byte) error {
	cl, ok := link.(*centralLink)
	if !ok {
		return errors.New("link is not a gatt link")
	}
	cl.mtx.Lock()
	ctrl := cl.ctrl
	cl.mtx.Unlock()
	if ctrl == nil {
		return errors.New("control characteristic not resolved")
	}
	return cl.p.WriteCharacteristic(ctrl, payload, true)
}

func (c *Central) Disconnect(link radio.Link, reason radio.Reason) error {
	cl, ok := link.(*centralLink)
	if !ok {
		return errors.New("link is not a gatt link")
	}
	log.Debugf("pkg gattradio; disconnecting %s (%s)", cl.peer.Short(), reason)
	c.device.CancelConnection(cl.p)
	return nil
}

// Close stops scanning. Links are torn down individually by their owner.
func (c *Central) Close() error {
	c.device.StopScanning()
	return nil
}

// ControlHandler receives control frames written by the connected peer.
type ControlHandler func(peer identity.Addr, payload []byte)

// Peripheral is the advertising/accepting radio role on Linux.
type Peripheral struct {
	device  gatt.Device
	mgmt    *btmgmt.Client
	events  radio.PeripheralEvents
	watcher *btmgmt.Watcher

	mtx         sync.Mutex
	link        *peripheralLink
	notifier    gatt.Notifier
	advName     string
	advInterval uint16
	advFlag     bool
	advertising bool
	ppcp        []byte
	ctrlHandler ControlHandler
}

// DefaultServerOptions holds the GATT server options for the peripheral
// role. One connection at a time.
var DefaultServerOptions = []gatt.Option{
	gatt.LnxMaxConnections(1),
}

// NewPeripheral opens the adapter in the peripheral role. The management
// client maintains the link-layer accept list, and a management watcher
// surfaces key events the GATT layer swallows. Register event handlers
// with Handle before advertising.
func NewPeripheral(adapter string, mgmt *btmgmt.Client) (*Peripheral, error) {
	idx, err := btmgmt.AdapterIndex(adapter)
	if err != nil {
		return nil, err
	}

	opts := append([]gatt.Option{gatt.LnxDeviceID(idx, true)}, DefaultServerOptions...)
	d, err := gatt.NewDevice(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open device")
	}

	p := &Peripheral{
		device: d,
		mgmt:   mgmt,
		ppcp: ppcpBytes(radio.ConnParams{
			MinIntervalMillis: 30,
			MaxIntervalMillis: 50,
			TimeoutMillis:     5000,
		}),
	}

	d.Handle(
		gatt.CentralConnected(p.onConnected),
		gatt.CentralDisconnected(p.onDisconnected),
	)

	ready := make(chan struct{})
	var once sync.Once
	err = d.Init(func(d gatt.Device, s gatt.State) {
		log.Debugf("pkg gattradio; peripheral adapter state: %s", s)
		if s == gatt.StatePoweredOn {
			p.setupServices(d)
			once.Do(func() { close(ready) })
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not init bluetooth")
	}

	select {
	case <-ready:
	case <-time.After(poweredOnTimeout):
		return nil, errors.New("adapter did not power on")
	}

	w, err := btmgmt.Watch(adapter, p.onMgmtEvent)
	if err != nil {
		return nil, errors.Wrap(err, "could not watch management events")
	}
	p.watcher = w
	return p, nil
}

// Handle registers the event callbacks. Call it before StartAdvertising.
func (p *Peripheral) Handle(events radio.PeripheralEvents) {
	p.events = events
}

func (p *Peripheral) onConnected(central gatt.Central) {
	peer := identity.Normalize(central.ID())
	link := &peripheralLink{peer: peer, c: central}

	p.mtx.Lock()
	p.link = link
	p.mtx.Unlock()

	if p.events.Connected != nil {
		p.events.Connected(link)
	}
}

func (p *Peripheral) onDisconnected(central gatt.Central) {
	peer := identity.Normalize(central.ID())

	p.mtx.Lock()
	link := p.link
	if link != nil && link.peer == peer {
		p.link = nil
	} else {
		link = &peripheralLink{peer: peer, c: central}
	}
	p.notifier = nil
	p.mtx.Unlock()

	if p.events.Disconnected != nil {
		p.events.Disconnected(link, radio.ReasonRemote)
	}
}

func (p *Peripheral) onMgmtEvent(ev btmgmt.Event) {
	p.mtx.Lock()
	link := p.link
	p.mtx.Unlock()
	if link == nil {
		return
	}

	switch ev.Kind {
	case btmgmt.EventBonded:
		if p.events.AuthComplete != nil {
			p.events.AuthComplete(link, true, true)
		}
	case btmgmt.EventIdentityResolved:
		if p.events.IdentityResolved != nil {
			p.events.IdentityResolved(link, ev.Peer)
		}
	}
}

func (p *Peripheral) setupServices(d gatt.Device) {
	p.addGenericAccessService(d)

	s := gatt.NewService(gatt.MustParseUUID(ControlServiceUUID))

	ctrl := s.AddCharacteristic(gatt.MustParseUUID(ControlCharUUID))
	ctrl.HandleWriteFunc(func(r gatt.Request, data []byte) (status byte) {
		cp := make([]byte, len(data))
		copy(cp, data)

		p.mtx.Lock()
		handler := p.ctrlHandler
		var peer identity.Addr
		if p.link != nil {
			peer = p.link.peer
		}
		p.mtx.Unlock()

		if handler != nil {
			handler(peer, cp)
		}
		return 0
	})
	ctrl.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
		log.Infof("pkg gattradio; notifications enabled from %s", r.Central.ID())
		p.mtx.Lock()
		p.notifier = n
		p.mtx.Unlock()
	})

	if err := d.AddService(s); err != nil {
		log.Fatalf("pkg gattradio; could not add control service: %s", err)
	}
}

func (p *Peripheral) addGenericAccessService(d gatt.Device) {
	s := gatt.NewService(gatt.UUID16(0x1800))

	name := s.AddCharacteristic(gatt.UUID16(0x2A00))
	name.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
		p.mtx.Lock()
		n := p.advName
		p.mtx.Unlock()
		if _, err := rsp.Write([]byte(n)); err != nil {
			log.Warnf("pkg gattradio; failed to write device name: %v", err)
		}
	})

	// Preferred connection parameters; the hint the central reads when it
	// (re)negotiates link timing.
	ppcp := s.AddCharacteristic(gatt.UUID16(0x2A04))
	ppcp.HandleReadFunc(func(rsp gatt.ResponseWriter, req *gatt.ReadRequest) {
		p.mtx.Lock()
		data := p.ppcp
		p.mtx.Unlock()
		if _, err := rsp.Write(data); err != nil {
			log.Warnf("pkg gattradio; failed to write connection parameters: %v", err)
		}
	})

	if err := d.AddService(s); err != nil {
		log.Fatalf("pkg gattradio; could not add generic access service: %s", err)
	}
}

// SetControlHandler installs the sink for inbound control frames.
func (p *Peripheral) SetControlHandler(h ControlHandler) {
	p.mtx.Lock()
	p.ctrlHandler = h
	p.mtx.Unlock()
}

// Notify pushes data to the connected peer, if it enabled notifications.
func (p *Peripheral) Notify(data []byte) error {
	p.mtx.Lock()
	n := p.notifier
	p.mtx.Unlock()
	if n == nil || n.Done() {
		return errors.New("no live notifier")
	}
	_, err := n.Write(data)
	return err
}

func (p *Peripheral) StartAdvertising(params radio.AdvParams) error {
	p.mtx.Lock()
	p.advName = params.Name
	p.advInterval = params.IntervalMillis
	p.advFlag = params.PairingOpen
	p.mtx.Unlock()

	if err := p.applyAdvertising(); err != nil {
		return err
	}
	if err := p.device.Option(gatt.LnxSetAdvertisingEnable(true)); err != nil {
		return errors.Wrap(err, "failed to enable advertising")
	}
	p.mtx.Lock()
	p.advertising = true
	p.mtx.Unlock()
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mtx.Lock()
	p.advertising = false
	p.mtx.Unlock()
	return p.device.Option(gatt.LnxSetAdvertisingEnable(false))
}

// SetAdvertisedPayload refreshes the pairing flag byte. The controller
// requires advertising to be disabled while its data changes.
func (p *Peripheral) SetAdvertisedPayload(pairingOpen bool) error {
	p.mtx.Lock()
	p.advFlag = pairingOpen
	live := p.advertising
	p.mtx.Unlock()

	if !live {
		return nil
	}
	if err := p.device.Option(gatt.LnxSetAdvertisingEnable(false)); err != nil {
		return errors.Wrap(err, "failed to disable advertising")
	}
	if err := p.applyAdvertising(); err != nil {
		return err
	}
	return p.device.Option(gatt.LnxSetAdvertisingEnable(true))
}

func (p *Peripheral) applyAdvertising() error {
	p.mtx.Lock()
	name := p.advName
	interval := advIntervalUnits(p.advInterval)
	flag := p.advFlag
	p.mtx.Unlock()

	advPacket := &gatt.AdvPacket{}
	advPacket.AppendFlags(0x06) // LE General Discoverable, BR/EDR not supported
	advPacket.AppendManufacturerData(companyID, []byte{productTag[0], productTag[1], advFlagByte(flag)})

	scanPacket := &gatt.AdvPacket{}
	scanPacket.AppendName(name)

	return p.device.Option(
		gatt.LnxSetAdvertisingParameters(&cmd.LESetAdvertisingParameters{
			AdvertisingIntervalMin: interval,
			AdvertisingIntervalMax: interval,
			AdvertisingChannelMap:  0x7,
		}),
		gatt.LnxSetAdvertisingData(&cmd.LESetAdvertisingData{
			AdvertisingDataLength: uint8(advPacket.Len()),
			AdvertisingData:       advPacket.Bytes(),
		}),
		gatt.LnxSetScanResponseData(&cmd.LESetScanResponseData{
			ScanResponseDataLength: uint8(scanPacket.Len()),
			ScanResponseData:       scanPacket.Bytes(),
		}),
	)
}

// UpdateConnParams records new preferred connection parameters. A
// peripheral cannot force the link timing; the values take effect when the
// central next reads the hint.
func (p *Peripheral) UpdateConnParams(link radio.Link, params radio.ConnParams) error {
	p.mtx.Lock()
	p.ppcp = ppcpBytes(params)
	p.mtx.Unlock()
	log.Debugf("pkg gattradio; preferred connection parameters now %d-%dms for %s",
		params.MinIntervalMillis, params.MaxIntervalMillis, link.Peer().Short())
	return nil
}

func (p *Peripheral) Disconnect(link radio.Link, reason radio.Reason) error {
	pl, ok := link.(*peripheralLink)
	if !ok {
		return errors.New("link is not a gatt link")
	}
	log.Debugf("pkg gattradio; disconnecting %s (%s)", pl.peer.Short(), reason)
	return pl.c.Close()
}

func (p *Peripheral) SetAllowList(peers []identity.Addr) error {
	return p.mgmt.SetAllowList(peers)
}

func (p *Peripheral) ClearAllowList() error {
	return p.mgmt.ClearAllowList()
}

// Close stops advertising and the management watcher.
func (p *Peripheral) Close() error {
	if err := p.StopAdvertising(); err != nil {
		log.Debugf("pkg gattradio; stop advertising on close: %v", err)
	}
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
