package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cradlelink/cradle/pkg/admission"
	"github.com/cradlelink/cradle/pkg/api"
	"github.com/cradlelink/cradle/pkg/arbiter"
	"github.com/cradlelink/cradle/pkg/bondstore"
	"github.com/cradlelink/cradle/pkg/btmgmt"
	"github.com/cradlelink/cradle/pkg/button"
	"github.com/cradlelink/cradle/pkg/clock"
	"github.com/cradlelink/cradle/pkg/config"
	"github.com/cradlelink/cradle/pkg/frame"
	"github.com/cradlelink/cradle/pkg/gattradio"
	"github.com/cradlelink/cradle/pkg/identity"
	"github.com/cradlelink/cradle/pkg/lockdown"
	"github.com/cradlelink/cradle/pkg/radio"

	log "github.com/sirupsen/logrus"
)

// pollInterval is the cadence of the cooperative poll loop. The button
// classifier needs samples at 100 Hz or faster.
const pollInterval = 10 * time.Millisecond

// controller owns the poll loop. Everything that re-enters the radio stack
// runs from tick; event handlers elsewhere only record facts.
type controller struct {
	cfg    *config.Config
	clk    clock.Clock
	window *admission.Window
	bonds  bondstore.Store
	server *api.Server

	// device role
	central *arbiter.Central
	pump    *frame.Pump

	// charger role
	peripheral *arbiter.Peripheral
	lockCtl    *lockdown.Controller

	classifier *button.Classifier
	buttonPath string
}

func main() {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")
	var role = flag.String("role", "", "role to run as: 'device' (central) or 'charger' (peripheral)")
	var adapter = flag.String("adapter", "", "bluetooth adapter (default hci0, or CRADLE_ADAPTER)")
	var name = flag.String("name", "", "advertised device name")
	var bondPath = flag.String("bond-path", "", "bond store file (or CRADLE_BOND_PATH)")
	var apiAddr = flag.String("api-addr", "", "API listen address (default :8080)")
	var buttonPath = flag.String("button", "", "GPIO value file for the physical button (optional)")

	flag.Parse()

	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg, err := config.New(*role, *adapter, *name, *bondPath, *apiAddr, log.GetLevel().String())
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}

	log.Infof("Starting cradle admission controller as %s on %s", cfg.Role, cfg.Adapter)

	bonds, err := bondstore.NewFileStore(cfg.BondPath)
	if err != nil {
		log.Fatalf("Could not open bond store: %s", err)
	}

	mgmt, err := btmgmt.Open(cfg.Adapter)
	if err != nil {
		log.Fatalf("Could not open management console: %s", err)
	}
	defer mgmt.Close()
	if err := mgmt.PowerOn(); err != nil {
		log.Fatalf("Could not power adapter: %s", err)
	}

	c := &controller{
		cfg:        cfg,
		clk:        clock.NewMonotonic(),
		window:     admission.NewWindow(0),
		bonds:      bonds,
		classifier: button.NewClassifier(button.Momentary, 0, 0),
		buttonPath: *buttonPath,
	}
	c.server = api.New(c.snapshot)

	switch cfg.Role {
	case config.RoleDevice:
		stack, err := gattradio.NewCentral(cfg.Adapter, mgmt)
		if err != nil {
			log.Fatalf("Could not start BLE: %s", err)
		}
		c.central = arbiter.NewCentral(stack, bonds, c.window, c.clk, arbiter.CentralConfig{}, c.server)
		stack.Handle(c.central.Events())
		c.pump = frame.NewPump(c.central, c.clk, 0)
		c.pump.Start()

	case config.RoleCharger:
		stack, err := gattradio.NewPeripheral(cfg.Adapter, mgmt)
		if err != nil {
			log.Fatalf("Could not start BLE: %s", err)
		}
		defer stack.Close()
		c.peripheral = arbiter.NewPeripheral(stack, bonds, c.window, admission.NewCooldown(0), c.clk, arbiter.PeripheralConfig{
			Name:                  cfg.Name,
			FastAdvIntervalMillis: 100,
			SlowAdvIntervalMillis: 1000,
			Conn: radio.ConnParams{
				MinIntervalMillis: 15,
				MaxIntervalMillis: 30,
				TimeoutMillis:     4000,
			},
		}, c.server)
		stack.Handle(c.peripheral.Events())
		stack.SetControlHandler(func(peer identity.Addr, payload []byte) {
			if ts, err := frame.Decode(payload); err == nil {
				log.Tracef("control frame from %s at t=%d", peer.Short(), ts)
			}
		})
		c.lockCtl = lockdown.NewController(stack, c.peripheral, bonds, lockdown.Config{
			PairingName:  cfg.Name,
			LockdownName: cfg.LockdownName,
		})
		c.lockCtl.SetListener(c.server.NotifyModeChanged)
	}

	go c.server.Start(cfg.APIAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	log.Info("Controller initialized, entering poll loop")
	for {
		select {
		case <-ticker.C:
			c.tick()
		case sig := <-stop:
			log.Infof("Received %s, shutting down", sig)
			c.shutdown()
			return
		}
	}
}

// tick is one iteration of the poll loop: sample inputs, expire the
// window, apply operator commands, then let the arbiter act.
func (c *controller) tick() {
	now := c.clk.Now()

	c.sampleButton(now)

	if c.window.Tick(now) {
		c.server.NotifyWindowChanged(false)
	}

	for _, cmd := range c.server.Drain() {
		c.apply(cmd, now)
	}

	if c.central != nil {
		c.central.Tick(now)
	}
	if c.peripheral != nil {
		c.peripheral.Tick(now)
	}
}

// sampleButton feeds the raw level through the classifier every tick; the
// classifier debounces, so contact bounce never reaches the press logic.
func (c *controller) sampleButton(now clock.Millis) {
	if c.buttonPath == "" {
		return
	}

	level := readLevel(c.buttonPath)
	switch c.classifier.Sample(level, now) {
	case button.ShortPress:
		log.Info("Short press: opening pairing window")
		c.openWindow(now)
	case button.LongPress:
		if c.cfg.Role == config.RoleCharger {
			log.Info("Long press: toggling operating mode")
			if err := c.lockCtl.Toggle(); err != nil {
				log.Errorf("Mode toggle failed: %s", err)
			}
		} else {
			log.Info("Long press: toggling transmission")
			c.toggleTx()
		}
	}
}

func (c *controller) apply(cmd api.Command, now clock.Millis) {
	switch cmd.Kind {
	case api.CmdOpenWindow:
		c.openWindow(now)
	case api.CmdCloseWindow:
		c.window.Close()
		c.server.NotifyWindowChanged(false)
	case api.CmdEnterLockdown:
		if c.lockCtl != nil {
			if err := c.lockCtl.SetMode(lockdown.ModeLockdown); err != nil {
				log.Errorf("Could not enter lockdown: %s", err)
			}
		}
	case api.CmdEnterPairing:
		if c.lockCtl != nil {
			if err := c.lockCtl.SetMode(lockdown.ModePairing); err != nil {
				log.Errorf("Could not enter pairing mode: %s", err)
			}
		}
	case api.CmdTxOn:
		c.setTx(true)
	case api.CmdTxOff:
		c.setTx(false)
	}
}

func (c *controller) openWindow(now clock.Millis) {
	c.window.Open(now)
	c.server.NotifyWindowChanged(true)
}

// setTx turns transmission on or off for the device role. Disabling goes
// through the arbiter so scanning stops and any live connection is torn
// down synchronously, not just the frame pump.
func (c *controller) setTx(enabled bool) {
	if c.central == nil {
		return
	}
	c.central.SetEnabled(enabled)
	if enabled {
		c.pump.Start()
	} else {
		c.pump.Stop()
	}
}

func (c *controller) toggleTx() {
	if c.central == nil {
		return
	}
	c.setTx(!c.central.Enabled())
}

// snapshot builds the API state view. Called from HTTP goroutines; it only
// touches mutex-guarded accessors.
func (c *controller) snapshot() api.State {
	s := api.State{
		Role:       c.cfg.Role,
		WindowOpen: c.window.IsOpen(c.clk.Now()),
	}
	for _, peer := range c.bonds.SnapshotAll() {
		s.Bonds = append(s.Bonds, peer.String())
	}
	if s.Bonds == nil {
		s.Bonds = []string{}
	}
	if c.central != nil {
		s.Peer = c.central.ConnectedPeer().String()
		s.TxEnabled = c.central.Enabled()
	}
	if c.peripheral != nil {
		s.Peer = c.peripheral.ConnectedPeer().String()
		s.Mode = c.lockCtl.Mode().String()
	}
	return s
}

func (c *controller) shutdown() {
	if c.pump != nil {
		c.pump.Stop()
	}
	if c.central != nil {
		c.central.SetEnabled(false)
	}
	if c.peripheral != nil {
		c.peripheral.SetEnabled(false)
	}
}

// readLevel reads a GPIO value file; "1" means pressed.
func readLevel(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}
