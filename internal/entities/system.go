package entities

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/wifi"
)

// SystemStatus is on while the system's WAN link is up.
type SystemStatus struct {
	base
}

func newSystemStatus(sys *wifi.System) *SystemStatus {
	return &SystemStatus{base{
		uid:       uniqueID(sys.ID, "status"),
		name:      "Google Wifi System " + sys.ID,
		component: BinarySensor,
		systemID:  sys.ID,
		device:    systemDevice(sys),
		enabled:   true,
	}}
}

func (e *SystemStatus) Discovery() Discovery {
	return Discovery{DeviceClass: "connectivity"}
}

func (e *SystemStatus) State(snap *coordinator.Snapshot) State {
	sys := snap.System(e.systemID)
	if sys == nil {
		return State{}
	}
	return State{Value: onOff(sys.Online()), Available: true}
}

// AccessPointStatus is on while an access point is reachable.
type AccessPointStatus struct {
	base
	apID string
}

func newAccessPointStatus(systemID string, ap *wifi.AccessPoint) *AccessPointStatus {
	return &AccessPointStatus{
		base: base{
			uid:       uniqueID(ap.ID, "status"),
			name:      ap.DisplayName() + " Access Point",
			component: BinarySensor,
			systemID:  systemID,
			device:    accessPointDevice(systemID, ap),
			enabled:   true,
		},
		apID: ap.ID,
	}
}

func (e *AccessPointStatus) Discovery() Discovery {
	return Discovery{DeviceClass: "connectivity"}
}

func (e *AccessPointStatus) State(snap *coordinator.Snapshot) State {
	ap := lookupAP(snap, e.systemID, e.apID)
	if ap == nil {
		return State{}
	}
	return State{Value: onOff(ap.Online()), Available: true}
}

// RestartButton restarts a whole system, or one access point when apID
// is set.
type RestartButton struct {
	base
	apID string
	ctrl Controller
}

func newSystemRestart(sys *wifi.System, ctrl Controller) *RestartButton {
	return &RestartButton{
		base: base{
			uid:       uniqueID(sys.ID, "restart"),
			name:      "Google Wifi System " + sys.ID + " Restart",
			component: Button,
			systemID:  sys.ID,
			device:    systemDevice(sys),
			enabled:   true,
		},
		ctrl: ctrl,
	}
}

func newAccessPointRestart(systemID string, ap *wifi.AccessPoint, ctrl Controller) *RestartButton {
	return &RestartButton{
		base: base{
			uid:       uniqueID(ap.ID, "restart"),
			name:      ap.DisplayName() + " Access Point Restart",
			component: Button,
			systemID:  systemID,
			device:    accessPointDevice(systemID, ap),
			enabled:   true,
		},
		apID: ap.ID,
		ctrl: ctrl,
	}
}

func (e *RestartButton) Discovery() Discovery {
	return Discovery{DeviceClass: "restart", EntityCategory: "config"}
}

func (e *RestartButton) State(snap *coordinator.Snapshot) State {
	if e.apID != "" {
		return State{Available: lookupAP(snap, e.systemID, e.apID) != nil}
	}
	return State{Available: snap.System(e.systemID) != nil}
}

func (e *RestartButton) Command(ctx context.Context, action string, payload []byte) error {
	if action != "" || string(payload) != PayloadPress {
		return fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	if e.apID != "" {
		return e.ctrl.Gateway().RestartAP(ctx, e.apID)
	}
	return e.ctrl.Gateway().RestartSystem(ctx, e.systemID)
}

// SpeedTestButton requests a speed test on the next refresh.
type SpeedTestButton struct {
	base
	ctrl Controller
}

func newSpeedTestButton(sys *wifi.System, ctrl Controller) *SpeedTestButton {
	return &SpeedTestButton{
		base: base{
			uid:       uniqueID(sys.ID, "speed_test"),
			name:      "Google Wifi System " + sys.ID + " Speed Test",
			component: Button,
			systemID:  sys.ID,
			device:    systemDevice(sys),
			enabled:   true,
		},
		ctrl: ctrl,
	}
}

func (e *SpeedTestButton) State(snap *coordinator.Snapshot) State {
	return State{Available: snap.System(e.systemID) != nil}
}

func (e *SpeedTestButton) Command(_ context.Context, action string, payload []byte) error {
	if action != "" || string(payload) != PayloadPress {
		return fmt.Errorf("%w: %q", ErrBadPayload, payload)
	}
	e.ctrl.ForceSpeedTest(e.systemID)
	return nil
}

// Direction selects the upload or download half of a measurement.
type Direction int

// Directions.
const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "Upload"
	}
	return "Download"
}

func (d Direction) pick(upload, download float64) float64 {
	if d == Upload {
		return upload
	}
	return download
}

// SpeedSensor reports the last WAN speed test result.
type SpeedSensor struct {
	base
	dir  Direction
	unit string
}

func newSpeedSensor(sys *wifi.System, dir Direction, unit string) *SpeedSensor {
	suffix := "transmitWanSpeedBps"
	if dir == Download {
		suffix = "receiveWanSpeedBps"
	}
	return &SpeedSensor{
		base: base{
			uid:       uniqueID(sys.ID, suffix),
			name:      "Google Wifi System " + sys.ID + " " + dir.String() + " Speed",
			component: Sensor,
			systemID:  sys.ID,
			device:    systemDevice(sys),
			enabled:   true,
		},
		dir:  dir,
		unit: unit,
	}
}

func (e *SpeedSensor) Discovery() Discovery {
	return Discovery{DeviceClass: "data_rate", StateClass: "measurement", Unit: e.unit, Attributes: true}
}

func (e *SpeedSensor) State(snap *coordinator.Snapshot) State {
	sys := snap.System(e.systemID)
	if sys == nil {
		return State{}
	}
	res := sys.SpeedTest
	if res == nil {
		return State{Value: PayloadNone, Available: true}
	}
	return State{
		Value:      formatRate(e.dir.pick(res.UploadBps, res.DownloadBps), e.unit),
		Attributes: map[string]any{"last_run": res.Timestamp.UTC().Format(time.RFC3339)},
		Available:  true,
	}
}

// TrafficSensor reports real-time system throughput.
type TrafficSensor struct {
	base
	dir  Direction
	unit string
}

func newTrafficSensor(sys *wifi.System, dir Direction, unit string) *TrafficSensor {
	suffix := "transmitSpeedBps"
	if dir == Download {
		suffix = "receiveSpeedBps"
	}
	return &TrafficSensor{
		base: base{
			uid:       uniqueID(sys.ID, suffix),
			name:      "Google Wifi System " + sys.ID + " " + dir.String() + " Traffic",
			component: Sensor,
			systemID:  sys.ID,
			device:    systemDevice(sys),
			enabled:   true,
		},
		dir:  dir,
		unit: unit,
	}
}

func (e *TrafficSensor) Discovery() Discovery {
	return Discovery{DeviceClass: "data_rate", StateClass: "measurement", Unit: e.unit}
}

func (e *TrafficSensor) State(snap *coordinator.Snapshot) State {
	sys := snap.System(e.systemID)
	if sys == nil {
		return State{}
	}
	return State{
		Value:     formatRate(e.dir.pick(sys.Traffic.TransmitBps, sys.Traffic.ReceiveBps), e.unit),
		Available: true,
	}
}

// CountKind selects which device counter a CountSensor reports.
type CountKind string

// Device counters maintained by the coordinator.
const (
	CountMain  CountKind = "main"
	CountGuest CountKind = "guest"
	CountTotal CountKind = "total"
)

// CountSensor reports a per-system device count.
type CountSensor struct {
	base
	kind CountKind
}

func newCountSensor(sys *wifi.System, kind CountKind) *CountSensor {
	label := map[CountKind]string{CountMain: "Main", CountGuest: "Guest", CountTotal: "Total"}[kind]
	return &CountSensor{
		base: base{
			uid:       uniqueID(sys.ID, "device_count_"+string(kind)),
			name:      "Google Wifi System " + sys.ID + " " + label + " Devices",
			component: Sensor,
			systemID:  sys.ID,
			device:    systemDevice(sys),
			enabled:   true,
		},
		kind: kind,
	}
}

func (e *CountSensor) Discovery() Discovery {
	return Discovery{StateClass: "measurement", Unit: "Devices"}
}

func (e *CountSensor) State(snap *coordinator.Snapshot) State {
	sys := snap.System(e.systemID)
	if sys == nil {
		return State{}
	}
	var n int
	switch e.kind {
	case CountMain:
		n = sys.ConnectedDevices
	case CountGuest:
		n = sys.GuestDevices
	default:
		n = sys.TotalDevices
	}
	return State{Value: strconv.Itoa(n), Available: true}
}
