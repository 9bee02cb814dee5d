// Package btmgmt drives the BlueZ management console to maintain the
// controller's link-layer accept list, which the GATT stack itself does not
// expose.
package btmgmt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cradlelink/cradle/pkg/identity"

	expect "github.com/google/goexpect"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	commandTimeout = 5 * time.Second
	// Pairing involves the remote peer and its user; give it room.
	pairTimeout = 30 * time.Second
)

// Public address type; bonded identities are exchanged in identity-address
// (non-rotating) form.
const addrTypePublic = "1"

var (
	promptRegex  = regexp.MustCompile(`\[[a-z0-9]+\]#`)
	addedRegex   = regexp.MustCompile(`(?i)device added`)
	removedRegex = regexp.MustCompile(`(?i)device (removed|not found)`)
	clearedRegex = regexp.MustCompile(`(?i)devices cleared`)
	poweredRegex = regexp.MustCompile(`(?i)set powered`)
	pairedRegex  = regexp.MustCompile(`(?i)paired with|already paired`)
)

// Client is a live btmgmt console session bound to one adapter.
type Client struct {
	adapter string
	gexp    *expect.GExpect
}

// AdapterIndex extracts the controller index from an adapter name such as
// "hci0".
func AdapterIndex(adapter string) (int, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(adapter)), "hci")
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, errors.Errorf("invalid adapter name %q", adapter)
	}
	return idx, nil
}

// Open spawns a btmgmt console for the adapter and waits for its prompt.
func Open(adapter string) (*Client, error) {
	idx, err := AdapterIndex(adapter)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("btmgmt --index %d", idx)
	log.Debugf("pkg btmgmt; spawning %q", cmd)

	gexp, _, err := expect.Spawn(cmd, -1,
		expect.CheckDuration(100*time.Millisecond),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to spawn btmgmt")
	}

	c := &Client{adapter: adapter, gexp: gexp}
	if _, _, err := gexp.Expect(promptRegex, commandTimeout); err != nil {
		gexp.Close()
		return nil, errors.Wrap(err, "btmgmt console did not come up")
	}
	return c, nil
}

// Close terminates the console session.
func (c *Client) Close() error {
	if c.gexp == nil {
		return nil
	}
	err := c.gexp.Close()
	c.gexp = nil
	return err
}

func (c *Client) run(cmd string, confirm *regexp.Regexp) error {
	return c.runTimeout(cmd, confirm, commandTimeout)
}

func (c *Client) runTimeout(cmd string, confirm *regexp.Regexp, timeout time.Duration) error {
	log.Tracef("pkg btmgmt; %s", cmd)
	if err := c.gexp.Send(cmd + "\n"); err != nil {
		return errors.Wrapf(err, "failed to send %q", cmd)
	}
	output, _, err := c.gexp.Expect(confirm, timeout)
	if err != nil {
		return errors.Wrapf(err, "no confirmation for %q (output: %s)", cmd, strings.TrimSpace(output))
	}
	return nil
}

// PowerOn powers the adapter.
func (c *Client) PowerOn() error {
	return c.run("power on", poweredRegex)
}

// Pair runs the security handshake with a connected peer, distributing
// long-term keys. NoInputNoOutput capability; numeric comparison is
// confirmed by the management daemon.
func (c *Client) Pair(peer identity.Addr) error {
	cmd := fmt.Sprintf("pair -c 3 -t %s %s", addrTypePublic, strings.ToUpper(string(peer)))
	return c.runTimeout(cmd, pairedRegex, pairTimeout)
}

// AddDevice adds one identity to the controller's accept list.
func (c *Client) AddDevice(peer identity.Addr) error {
	return c.run(fmt.Sprintf("add-device -a 0 %s %s", strings.ToUpper(string(peer)), addrTypePublic), addedRegex)
}

// RemoveDevice removes one identity from the accept list. Removing an
// identity that is not listed is not an error.
func (c *Client) RemoveDevice(peer identity.Addr) error {
	return c.run(fmt.Sprintf("del-device %s %s", strings.ToUpper(string(peer)), addrTypePublic), removedRegex)
}

// ClearDevices empties the accept list.
func (c *Client) ClearDevices() error {
	return c.run("clear-devices", clearedRegex)
}

// SetAllowList rebuilds the accept list from scratch. The list is always
// cleared first so that removed entries cannot linger.
func (c *Client) SetAllowList(peers []identity.Addr) error {
	if err := c.ClearDevices(); err != nil {
		return err
	}
	for _, peer := range peers {
		if err := c.AddDevice(peer); err != nil {
			return errors.Wrapf(err, "rebuilding accept list at %s", peer.Short())
		}
	}
	log.Infof("pkg btmgmt; accept list on %s rebuilt with %d entries", c.adapter, len(peers))
	return nil
}

// ClearAllowList drops accept-list enforcement entirely.
func (c *Client) ClearAllowList() error {
	if err := c.ClearDevices(); err != nil {
		return err
	}
	log.Infof("pkg btmgmt; accept list on %s cleared", c.adapter)
	return nil
}
