// Package wifi is the client for the mesh-WiFi vendor cloud API. It
// authenticates with a long-lived refresh token, fetches the nested
// system state, decodes it into typed values, and tags every failure
// with a [Kind] so callers can branch on what went wrong rather than on
// which layer failed.
package wifi

import (
	"context"
	"time"
)

// Status strings reported by the cloud API.
const (
	WANOnline = "WAN_ONLINE"
	APOnline  = "AP_ONLINE"
)

// FixedAPType is the unfiltered device type the vendor reports for its
// own mesh points when they appear in the station list.
const FixedAPType = "Nest Wifi point"

// Network labels a device's traffic segment.
type Network string

// Network labels assigned by the coordinator.
const (
	NetworkUnclassified Network = ""
	NetworkMain         Network = "main"
	NetworkGuest        Network = "guest"
)

// System is one mesh deployment: a router plus its access points and
// the client devices currently known to it.
type System struct {
	ID              string                  `json:"id"`
	Status          string                  `json:"status"`
	FirmwareVersion string                  `json:"firmware_version,omitempty"`
	LAN             LANSettings             `json:"lan"`
	Prioritized     *Prioritization         `json:"prioritized,omitempty"`
	AccessPoints    map[string]*AccessPoint `json:"access_points"`
	Devices         map[string]*Device      `json:"devices"`
	Traffic         Traffic                 `json:"traffic"`

	// Counters populated by the coordinator on every refresh.
	ConnectedDevices int `json:"connected_devices"`
	GuestDevices     int `json:"guest_devices"`
	TotalDevices     int `json:"total_devices"`

	SpeedTest *SpeedTestResult `json:"speed_test,omitempty"`
}

// Online reports whether the WAN link is up.
func (s *System) Online() bool {
	return s.Status == WANOnline
}

// LANSettings holds the main network's DHCP pool bounds.
type LANSettings struct {
	DHCPPoolBegin string `json:"dhcp_pool_begin,omitempty"`
	DHCPPoolEnd   string `json:"dhcp_pool_end,omitempty"`
}

// Prioritization is a temporary QoS boost granted to one station.
type Prioritization struct {
	StationID string    `json:"station_id"`
	EndTime   time.Time `json:"end_time"`
}

// AccessPoint is one radio node of a System.
type AccessPoint struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Room            string `json:"room,omitempty"`
	Status          string `json:"status"`
	Intensity       int    `json:"intensity"` // light intensity, 0-100
	HardwareType    string `json:"hardware_type,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Online reports whether the access point is reachable by the mesh.
func (a *AccessPoint) Online() bool {
	return a.Status == APOnline
}

// DisplayName prefers the room name, then the configured AP name.
func (a *AccessPoint) DisplayName() string {
	if a.Room != "" {
		return a.Room
	}
	if a.Name != "" {
		return a.Name
	}
	return "Access Point " + a.ID
}

// Device is a client station on the mesh.
type Device struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	FriendlyType   string  `json:"friendly_type,omitempty"`
	UnfilteredType string  `json:"unfiltered_type,omitempty"`
	MAC            string  `json:"mac,omitempty"`
	IPAddress      string  `json:"ip_address,omitempty"`
	Connected      bool    `json:"connected"`
	APID           string  `json:"ap_id,omitempty"`
	Paused         bool    `json:"paused"`
	Traffic        Traffic `json:"traffic"`
	Network        Network `json:"network,omitempty"`
}

// IsFixedAP reports whether the device is one of the vendor's own mesh
// points listed as a station.
func (d *Device) IsFixedAP() bool {
	return d.UnfilteredType == FixedAPType
}

// DisplayName returns the friendly name with its type suffix, if any.
func (d *Device) DisplayName() string {
	if d.FriendlyType != "" {
		return d.Name + " (" + d.FriendlyType + ")"
	}
	return d.Name
}

// Traffic is a real-time throughput sample in bits per second.
type Traffic struct {
	TransmitBps float64 `json:"transmit_bps"`
	ReceiveBps  float64 `json:"receive_bps"`
}

// SpeedTestResult is one WAN throughput measurement.
type SpeedTestResult struct {
	UploadBps   float64   `json:"upload_bps"`
	DownloadBps float64   `json:"download_bps"`
	Timestamp   time.Time `json:"timestamp"`
}

// Gateway is the set of cloud operations the coordinator and entities
// depend on. Every method may block on network I/O and returns an error
// carrying a [Kind]. A command the cloud refuses is an error.
type Gateway interface {
	// Connect authenticates and verifies the account is reachable.
	Connect(ctx context.Context) error

	// GetSystems returns every system on the account keyed by ID.
	GetSystems(ctx context.Context) (map[string]*System, error)

	RunSpeedTest(ctx context.Context, systemID string) (*SpeedTestResult, error)
	RestartSystem(ctx context.Context, systemID string) error
	RestartAP(ctx context.Context, apID string) error
	PauseDevice(ctx context.Context, systemID, deviceID string, paused bool) error
	PrioritizeDevice(ctx context.Context, systemID, deviceID string, d time.Duration) error
	ClearPrioritization(ctx context.Context, systemID string) error

	// SetBrightness sets an access point's light intensity, 0-100.
	SetBrightness(ctx context.Context, apID string, percent int) error

	// Close releases the HTTP session behind the gateway.
	Close()
}
