// Package entities maps coordinator snapshots onto Home Assistant
// entities. Each entity knows how to derive its state from the latest
// snapshot and, for controllable entities, how to turn an inbound
// command into a single cloud write. Transport concerns (topics,
// discovery payloads) live in the mqtt package.
package entities

import (
	"context"
	"errors"
	"strings"

	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/wifi"
)

// Component is a Home Assistant entity platform.
type Component string

// Components published by meshbridge.
const (
	BinarySensor  Component = "binary_sensor"
	Button        Component = "button"
	DeviceTracker Component = "device_tracker"
	Light         Component = "light"
	Sensor        Component = "sensor"
	Switch        Component = "switch"
)

// Stateful reports whether entities of this component publish a state.
func (c Component) Stateful() bool {
	return c != Button
}

// Command payloads shared by switches and lights.
const (
	PayloadOn    = "ON"
	PayloadOff   = "OFF"
	PayloadPress = "PRESS"

	// PayloadNone marks a sensor value as unknown.
	PayloadNone = "None"
)

// Errors returned by command handling.
var (
	ErrUnknownEntity  = errors.New("unknown entity")
	ErrNotCommandable = errors.New("entity does not accept commands")
	ErrBadPayload     = errors.New("invalid command payload")
)

// Device is the Home Assistant device an entity is grouped under.
type Device struct {
	Identifiers  []string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
	ViaDevice    string
	MAC          string
}

// Discovery carries the component-specific fields of a discovery
// payload. Zero values are omitted.
type Discovery struct {
	DeviceClass    string
	StateClass     string
	Unit           string
	EntityCategory string
	SourceType     string
	// JSONSchema selects the JSON light schema with brightness support.
	JSONSchema bool
	// Attributes is set when the entity publishes a JSON attributes
	// topic.
	Attributes bool
	// Actions lists the secondary command actions the entity accepts in
	// addition to its primary command topic.
	Actions []string
}

// State is an entity's view of one snapshot.
type State struct {
	Value      string
	Attributes map[string]any
	Available  bool
}

// Entity is one Home Assistant entity backed by snapshot data.
type Entity interface {
	UniqueID() string
	Name() string
	Component() Component
	SystemID() string
	Device() Device
	EnabledByDefault() bool
	Discovery() Discovery
	State(snap *coordinator.Snapshot) State
}

// Commander is an entity that accepts commands. An empty action is the
// entity's primary command.
type Commander interface {
	Entity
	Command(ctx context.Context, action string, payload []byte) error
}

// Controller is the subset of the coordinator commands need.
type Controller interface {
	Gateway() wifi.Gateway
	Snapshot() *coordinator.Snapshot
	ForceSpeedTest(systemID string)
}

type base struct {
	uid       string
	name      string
	component Component
	systemID  string
	device    Device
	enabled   bool
}

func (b *base) UniqueID() string       { return b.uid }
func (b *base) Name() string           { return b.name }
func (b *base) Component() Component   { return b.component }
func (b *base) SystemID() string       { return b.systemID }
func (b *base) Device() Device         { return b.device }
func (b *base) EnabledByDefault() bool { return b.enabled }
func (b *base) Discovery() Discovery   { return Discovery{} }

// ObjectID turns a cloud identifier into a string that is safe to use
// as an MQTT topic level and a Home Assistant object ID.
func ObjectID(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func uniqueID(id, suffix string) string {
	return ObjectID(id) + "_" + suffix
}

func onOff(b bool) string {
	if b {
		return PayloadOn
	}
	return PayloadOff
}

func systemDevice(sys *wifi.System) Device {
	return Device{
		Identifiers:  []string{sys.ID},
		Name:         "Google Wifi System " + sys.ID,
		Manufacturer: "Google",
		Model:        "Google Wifi",
		SWVersion:    sys.FirmwareVersion,
	}
}

func accessPointDevice(systemID string, ap *wifi.AccessPoint) Device {
	manufacturer := ap.HardwareType
	if manufacturer == "" {
		manufacturer = "Google"
	}
	return Device{
		Identifiers:  []string{ap.ID},
		Name:         ap.DisplayName() + " Access Point",
		Manufacturer: manufacturer,
		Model:        "Google Wifi",
		SWVersion:    ap.FirmwareVersion,
		ViaDevice:    systemID,
	}
}

func clientDevice(systemID string, dev *wifi.Device) Device {
	return Device{
		Identifiers:  []string{dev.ID},
		Name:         dev.DisplayName(),
		Manufacturer: "Google",
		Model:        "Connected Client",
		ViaDevice:    systemID,
		MAC:          dev.MAC,
	}
}

func lookupAP(snap *coordinator.Snapshot, systemID, apID string) *wifi.AccessPoint {
	sys := snap.System(systemID)
	if sys == nil {
		return nil
	}
	return sys.AccessPoints[apID]
}

// findDevice locates a client device, preferring systemID. A device can
// move between systems of one account without a new signal.
func findDevice(snap *coordinator.Snapshot, systemID, deviceID string) (*wifi.System, *wifi.Device) {
	if sys := snap.System(systemID); sys != nil {
		if dev := sys.Devices[deviceID]; dev != nil {
			return sys, dev
		}
	}
	if snap == nil {
		return nil, nil
	}
	for _, sys := range snap.Systems {
		if dev := sys.Devices[deviceID]; dev != nil {
			return sys, dev
		}
	}
	return nil, nil
}
