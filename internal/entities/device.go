package entities

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/wifi"
)

// Device tracker payloads.
const (
	PayloadHome    = "home"
	PayloadNotHome = "not_home"
)

// ActionPrioritize is the switch action that grants a device
// prioritized bandwidth for a number of hours. Zero clears it.
const ActionPrioritize = "prioritize"

// PauseCooldown is how long a switch reports the state it was just
// set to, while the cloud catches up with the change.
const PauseCooldown = 10 * time.Second

// Tracker reports whether a client device is connected to the mesh.
type Tracker struct {
	base
	deviceID string
}

func newTracker(systemID string, dev *wifi.Device, enabled bool) *Tracker {
	return &Tracker{
		base: base{
			uid:       uniqueID(dev.ID, "tracker"),
			name:      dev.DisplayName(),
			component: DeviceTracker,
			systemID:  systemID,
			device:    clientDevice(systemID, dev),
			enabled:   enabled,
		},
		deviceID: dev.ID,
	}
}

func (e *Tracker) Discovery() Discovery {
	return Discovery{SourceType: "router", Attributes: true}
}

func (e *Tracker) State(snap *coordinator.Snapshot) State {
	sys, dev := findDevice(snap, e.systemID, e.deviceID)
	if dev == nil {
		return State{}
	}

	connectedAP := "NA"
	if ap := sys.AccessPoints[dev.APID]; ap != nil {
		connectedAP = ap.DisplayName()
	}
	attrs := map[string]any{
		"connected_ap": connectedAP,
		"ip_address":   orNA(dev.IPAddress),
		"mac":          orNA(dev.MAC),
		"network":      orNA(string(dev.Network)),
	}

	value := PayloadNotHome
	if dev.Connected {
		value = PayloadHome
	}
	return State{Value: value, Attributes: attrs, Available: true}
}

func orNA(s string) string {
	if s == "" {
		return "NA"
	}
	return s
}

// InternetSwitch turns a client device's internet access on and off.
// It also accepts the prioritize action.
type InternetSwitch struct {
	base
	deviceID string
	ctrl     Controller
	now      func() time.Time

	mu         sync.Mutex
	optimistic bool
	changedAt  time.Time
}

func newInternetSwitch(systemID string, dev *wifi.Device, enabled bool, ctrl Controller, now func() time.Time) *InternetSwitch {
	return &InternetSwitch{
		base: base{
			uid:       uniqueID(dev.ID, "internet"),
			name:      dev.DisplayName(),
			component: Switch,
			systemID:  systemID,
			device:    clientDevice(systemID, dev),
			enabled:   enabled,
		},
		deviceID: dev.ID,
		ctrl:     ctrl,
		now:      now,
	}
}

func (e *InternetSwitch) Discovery() Discovery {
	return Discovery{Attributes: true, Actions: []string{ActionPrioritize}}
}

func (e *InternetSwitch) State(snap *coordinator.Snapshot) State {
	sys, dev := findDevice(snap, e.systemID, e.deviceID)
	if dev == nil {
		return State{}
	}

	on := !dev.Paused
	e.mu.Lock()
	if !e.changedAt.IsZero() && e.now().Sub(e.changedAt) < PauseCooldown {
		on = e.optimistic
	}
	e.mu.Unlock()

	attrs := map[string]any{"prioritized": false}
	if p := sys.Prioritized; p != nil && p.StationID == dev.ID {
		attrs["prioritized"] = true
		attrs["prioritized_end"] = p.EndTime.UTC().Format(time.RFC3339)
	}

	return State{Value: onOff(on), Attributes: attrs, Available: dev.Connected}
}

func (e *InternetSwitch) Command(ctx context.Context, action string, payload []byte) error {
	switch action {
	case "":
		return e.setInternet(ctx, strings.TrimSpace(string(payload)))
	case ActionPrioritize:
		return e.prioritize(ctx, strings.TrimSpace(string(payload)))
	default:
		return fmt.Errorf("%w: unknown action %q", ErrBadPayload, action)
	}
}

func (e *InternetSwitch) setInternet(ctx context.Context, payload string) error {
	var on bool
	switch payload {
	case PayloadOn:
		on = true
	case PayloadOff:
	default:
		return fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}

	if err := e.ctrl.Gateway().PauseDevice(ctx, e.currentSystem(), e.deviceID, !on); err != nil {
		return err
	}

	e.mu.Lock()
	e.optimistic = on
	e.changedAt = e.now()
	e.mu.Unlock()
	return nil
}

// prioritize replaces any existing prioritization on the system. The
// payload is a number of hours; zero or less only clears.
func (e *InternetSwitch) prioritize(ctx context.Context, payload string) error {
	hours, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return fmt.Errorf("%w: prioritize hours %q", ErrBadPayload, payload)
	}

	sid := e.currentSystem()
	gw := e.ctrl.Gateway()
	if err := gw.ClearPrioritization(ctx, sid); err != nil {
		return err
	}
	if hours <= 0 {
		return nil
	}
	return gw.PrioritizeDevice(ctx, sid, e.deviceID, time.Duration(hours*float64(time.Hour)))
}

// currentSystem returns the system that owns the device in the latest
// snapshot, falling back to the one it was discovered on.
func (e *InternetSwitch) currentSystem() string {
	if sys, _ := findDevice(e.ctrl.Snapshot(), e.systemID, e.deviceID); sys != nil {
		return sys.ID
	}
	return e.systemID
}
