package btmgmt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cradlelink/cradle/pkg/identity"

	expect "github.com/google/goexpect"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EventKind classifies an asynchronous management event.
type EventKind int

const (
	// EventBonded fires when the daemon stores a new long-term key for a
	// peer, i.e. the peer has bonded.
	EventBonded EventKind = iota
	// EventIdentityResolved fires when the daemon learns a peer's identity
	// resolving key, mapping its rotating address to a stable identity.
	EventIdentityResolved
)

// Event is one asynchronous management event.
type Event struct {
	Kind EventKind
	Peer identity.Addr
}

const watchPoll = 30 * time.Second

var eventRegex = regexp.MustCompile(
	`New (Long Term Key|Identity Resolving Key)[^0-9A-Fa-f]*([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})`)

// Watcher follows the management console's asynchronous event stream on a
// dedicated session, separate from any command Client.
type Watcher struct {
	gexp *expect.GExpect

	mtx    sync.Mutex
	closed bool
	done   chan struct{}
}

// Watch spawns a console session and delivers management events to the
// handler from a background goroutine until Close is called.
func Watch(adapter string, handler func(Event)) (*Watcher, error) {
	idx, err := AdapterIndex(adapter)
	if err != nil {
		return nil, err
	}

	gexp, _, err := expect.Spawn(fmt.Sprintf("btmgmt --index %d", idx), -1,
		expect.CheckDuration(100*time.Millisecond),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to spawn btmgmt event watcher")
	}

	w := &Watcher{gexp: gexp, done: make(chan struct{})}
	go w.loop(handler)
	return w, nil
}

// Close terminates the watcher session and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mtx.Lock()
	if w.closed {
		w.mtx.Unlock()
		return nil
	}
	w.closed = true
	w.mtx.Unlock()

	err := w.gexp.Close()
	<-w.done
	return err
}

func (w *Watcher) isClosed() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.closed
}

func (w *Watcher) loop(handler func(Event)) {
	defer close(w.done)

	for {
		_, match, err := w.gexp.Expect(eventRegex, watchPoll)
		if w.isClosed() {
			return
		}
		if err != nil {
			// Expect times out periodically on a quiet console; that is
			// the idle path, not a failure.
			continue
		}
		if len(match) < 3 {
			continue
		}

		peer := identity.Normalize(match[2])
		var kind EventKind
		if strings.HasPrefix(match[1], "Long Term") {
			kind = EventBonded
		} else {
			kind = EventIdentityResolved
		}

		log.Debugf("pkg btmgmt; management event %q for %s", match[1], peer.Short())
		handler(Event{Kind: kind, Peer: peer})
	}
}
