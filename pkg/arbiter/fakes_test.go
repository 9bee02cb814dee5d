package arbiter

import (
	"errors"
	"sync"

	"github.com/cradlelink/cradle/pkg/clock"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/radio"
)

// fakeClock is a manually advanced clock.Clock.
type fakeClock struct {
	now clock.Millis
}

func (f *fakeClock) Now() clock.Millis { return f.now }

type fakeLink struct {
	peer identity.Addr
}

func (l *fakeLink) Peer() identity.Addr { return l.peer }

type disconnectCall struct {
	peer   identity.Addr
	reason radio.Reason
}

// fakeCentral records every operation the arbiter performs.
type fakeCentral struct {
	mtx sync.Mutex

	scanning    bool
	scanStarts  int
	scanStops   int
	connects    []identity.Addr
	connectErr  error
	securityErr error
	secRequests []identity.Addr
	endpoint    *radio.Endpoint
	resolveErr  error
	writes      [][]byte
	disconnects []disconnectCall
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{
		endpoint: &radio.Endpoint{Service: "svc", Characteristic: "ctrl", Writable: true},
	}
}

func (f *fakeCentral) StartScan(params radio.ScanParams) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.scanning = true
	f.scanStarts++
	return nil
}

func (f *fakeCentral) StopScan() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.scanning = false
	f.scanStops++
	return nil
}

func (f *fakeCentral) Connect(peer identity.Addr, timeoutMillis uint32) (radio.Link, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.connects = append(f.connects, peer)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return &fakeLink{peer: peer}, nil
}

func (f *fakeCentral) RequestSecurity(link radio.Link) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.secRequests = append(f.secRequests, link.Peer())
	return f.securityErr
}

func (f *fakeCentral) ResolveControl(link radio.Link) (*radio.Endpoint, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.endpoint, f.resolveErr
}

func (f *fakeCentral) WriteControl(link radio.Link, payload []byte) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeCentral) Disconnect(link radio.Link, reason radio.Reason) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.disconnects = append(f.disconnects, disconnectCall{peer: link.Peer(), reason: reason})
	return nil
}

func (f *fakeCentral) lastDisconnect() (disconnectCall, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.disconnects) == 0 {
		return disconnectCall{}, false
	}
	return f.disconnects[len(f.disconnects)-1], true
}

// fakePeripheral records every operation the arbiter performs.
type fakePeripheral struct {
	mtx sync.Mutex

	advertising  bool
	advStarts    []radio.AdvParams
	advStops     int
	payloads     []bool
	connParams   []radio.ConnParams
	disconnects  []disconnectCall
	allowLists   [][]identity.Addr
	allowCleared int
}

func (f *fakePeripheral) StartAdvertising(params radio.AdvParams) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.advertising = true
	f.advStarts = append(f.advStarts, params)
	return nil
}

func (f *fakePeripheral) StopAdvertising() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.advertising = false
	f.advStops++
	return nil
}

func (f *fakePeripheral) SetAdvertisedPayload(pairingOpen bool) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.payloads = append(f.payloads, pairingOpen)
	return nil
}

func (f *fakePeripheral) UpdateConnParams(link radio.Link, params radio.ConnParams) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.connParams = append(f.connParams, params)
	return nil
}

func (f *fakePeripheral) Disconnect(link radio.Link, reason radio.Reason) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.disconnects = append(f.disconnects, disconnectCall{peer: link.Peer(), reason: reason})
	return nil
}

func (f *fakePeripheral) SetAllowList(peers []identity.Addr) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	cp := make([]identity.Addr, len(peers))
	copy(cp, peers)
	f.allowLists = append(f.allowLists, cp)
	return nil
}

func (f *fakePeripheral) ClearAllowList() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.allowCleared++
	return nil
}

func (f *fakePeripheral) lastDisconnect() (disconnectCall, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.disconnects) == 0 {
		return disconnectCall{}, false
	}
	return f.disconnects[len(f.disconnects)-1], true
}

// recordingNotifier captures notifier calls for assertions.
type recordingNotifier struct {
	NoOpNotifier
	mtx       sync.Mutex
	connected []identity.Addr
	gone      []identity.Addr
	bonded    []identity.Addr
	decisions []string
}

func (r *recordingNotifier) NotifyConnected(connID string, peer identity.Addr) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.connected = append(r.connected, peer)
}

func (r *recordingNotifier) NotifyDisconnected(connID string, peer identity.Addr, reason radio.Reason) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.gone = append(r.gone, peer)
}

func (r *recordingNotifier) NotifyBonded(peer identity.Addr) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.bonded = append(r.bonded, peer)
}

var errConnectTimeout = errors.New("connect timed out")
