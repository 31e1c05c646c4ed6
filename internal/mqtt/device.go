package mqtt

import (
	"github.com/nugget/meshbridge/internal/buildinfo"
	"github.com/nugget/meshbridge/internal/entities"
)

// DeviceInfo holds the Home Assistant device registry fields embedded
// in every discovery config payload. Entities that share a device
// block are grouped under one device page in HA.
type DeviceInfo struct {
	Identifiers  []string   `json:"identifiers"`
	Name         string     `json:"name"`
	Manufacturer string     `json:"manufacturer,omitempty"`
	Model        string     `json:"model,omitempty"`
	SWVersion    string     `json:"sw_version,omitempty"`
	ViaDevice    string     `json:"via_device,omitempty"`
	Connections  [][]string `json:"connections,omitempty"`
}

// Availability is one entry of a discovery payload's availability
// list.
type Availability struct {
	Topic string `json:"topic"`
}

// EntityConfig is the JSON payload for an HA MQTT discovery message.
// It is published (retained) to the discovery topic on every broker
// (re-)connect and whenever an entity is added.
type EntityConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	ObjectID            string         `json:"object_id,omitempty"`
	StateTopic          string         `json:"state_topic,omitempty"`
	CommandTopic        string         `json:"command_topic,omitempty"`
	JSONAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode,omitempty"`
	Device              DeviceInfo     `json:"device"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	EntityCategory      string         `json:"entity_category,omitempty"`
	SourceType          string         `json:"source_type,omitempty"`
	Schema              string         `json:"schema,omitempty"`
	Brightness          bool           `json:"brightness,omitempty"`
	SupportedColorModes []string       `json:"supported_color_modes,omitempty"`
	EnabledByDefault    *bool          `json:"enabled_by_default,omitempty"`
}

// NewBridgeDevice creates the DeviceInfo for meshbridge itself from the
// persistent instance ID and the human-readable device name. The
// instance ID is the primary HA device identifier (stable across
// renames); the device name appears in the HA UI.
func NewBridgeDevice(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "meshbridge",
		Model:        "Mesh WiFi Bridge",
		SWVersion:    buildinfo.Version,
	}
}

// deviceInfo converts an entity's device into its discovery form.
// Devices without a parent hang off the bridge device.
func deviceInfo(d entities.Device, bridgeID string) DeviceInfo {
	info := DeviceInfo{
		Identifiers:  d.Identifiers,
		Name:         d.Name,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		SWVersion:    d.SWVersion,
		ViaDevice:    d.ViaDevice,
	}
	if info.ViaDevice == "" {
		info.ViaDevice = bridgeID
	}
	if d.MAC != "" {
		info.Connections = [][]string{{"mac", d.MAC}}
	}
	return info
}
