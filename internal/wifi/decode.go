package wifi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"
)

// The wire types mirror the cloud's JSON. Numeric counters arrive as
// either JSON numbers or quoted int64 strings, so they use flexFloat.

type wireGroupsResponse struct {
	Groups []wireGroup `json:"groups"`
}

type wireGroup struct {
	ID              string `json:"id"`
	GroupProperties struct {
		OtherProperties struct {
			FirmwareVersion string `json:"firmwareVersion"`
		} `json:"otherProperties"`
	} `json:"groupProperties"`
	GroupSettings struct {
		LANSettings struct {
			DHCPPoolBegin      string                  `json:"dhcpPoolBegin"`
			DHCPPoolEnd        string                  `json:"dhcpPoolEnd"`
			PrioritizedStation *wirePrioritizedStation `json:"prioritizedStation"`
		} `json:"lanSettings"`
	} `json:"groupSettings"`
	AccessPoints []wireAccessPoint `json:"accessPoints"`
}

type wirePrioritizedStation struct {
	StationID             string `json:"stationId"`
	PrioritizationEndTime string `json:"prioritizationEndTime"`
}

type wireAccessPoint struct {
	ID                  string `json:"id"`
	AccessPointSettings struct {
		LightingSettings struct {
			Intensity *int `json:"intensity"`
		} `json:"lightingSettings"`
		AccessPointOtherSettings struct {
			APName   string `json:"apName"`
			RoomData struct {
				Name string `json:"name"`
			} `json:"roomData"`
		} `json:"accessPointOtherSettings"`
	} `json:"accessPointSettings"`
	AccessPointProperties struct {
		HardwareType    string `json:"hardwareType"`
		FirmwareVersion string `json:"firmwareVersion"`
	} `json:"accessPointProperties"`
}

type wireStatus struct {
	WANConnectionStatus string `json:"wanConnectionStatus"`
	APStatuses          []struct {
		APID   string `json:"apId"`
		Status string `json:"status"`
	} `json:"apStatuses"`
}

type wireStationsResponse struct {
	Stations []wireStation `json:"stations"`
}

type wireStation struct {
	ID                     string   `json:"id"`
	FriendlyName           string   `json:"friendlyName"`
	FriendlyType           string   `json:"friendlyType"`
	UnfilteredFriendlyType string   `json:"unfilteredFriendlyType"`
	MACAddress             string   `json:"macAddress"`
	IPAddresses            []string `json:"ipAddresses"`
	Connected              bool     `json:"connected"`
	APID                   string   `json:"apId"`
	Paused                 bool     `json:"paused"`
}

type wireTraffic struct {
	TransmitSpeedBps flexFloat `json:"transmitSpeedBps"`
	ReceiveSpeedBps  flexFloat `json:"receiveSpeedBps"`
}

type wireRealtime struct {
	GroupTraffic   wireTraffic `json:"groupTraffic"`
	StationMetrics []struct {
		Station struct {
			ID string `json:"id"`
		} `json:"station"`
		Traffic wireTraffic `json:"traffic"`
	} `json:"stationMetrics"`
}

type wireSpeedTestResults struct {
	SpeedTestResults []struct {
		Timestamp           string    `json:"timestamp"`
		TransmitWANSpeedBps flexFloat `json:"transmitWanSpeedBps"`
		ReceiveWANSpeedBps  flexFloat `json:"receiveWanSpeedBps"`
	} `json:"speedTestResults"`
}

type wireOperation struct {
	Operation struct {
		OperationID    string `json:"operationId"`
		OperationState string `json:"operationState"`
	} `json:"operation"`
}

type wireOperationState struct {
	OperationState string `json:"operationState"`
}

// flexFloat accepts 12, 12.5, or "12".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// decodeJSON unmarshals body into v, tagging failures as protocol errors.
func decodeJSON(op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return newError(KindProtocol, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// buildSystem assembles a System from the per-group responses. Missing
// identifiers fail the whole decode rather than producing a partial
// system.
func buildSystem(g wireGroup, st wireStatus, stations []wireStation, rt wireRealtime) (*System, error) {
	const op = "decode system"

	if g.ID == "" {
		return nil, newError(KindProtocol, op, errors.New("group without id"))
	}
	if st.WANConnectionStatus == "" {
		return nil, newError(KindProtocol, op, fmt.Errorf("group %s: status without wanConnectionStatus", g.ID))
	}

	sys := &System{
		ID:              g.ID,
		Status:          st.WANConnectionStatus,
		FirmwareVersion: g.GroupProperties.OtherProperties.FirmwareVersion,
		LAN: LANSettings{
			DHCPPoolBegin: g.GroupSettings.LANSettings.DHCPPoolBegin,
			DHCPPoolEnd:   g.GroupSettings.LANSettings.DHCPPoolEnd,
		},
		AccessPoints: make(map[string]*AccessPoint, len(g.AccessPoints)),
		Devices:      make(map[string]*Device, len(stations)),
		Traffic: Traffic{
			TransmitBps: float64(rt.GroupTraffic.TransmitSpeedBps),
			ReceiveBps:  float64(rt.GroupTraffic.ReceiveSpeedBps),
		},
	}

	if ps := g.GroupSettings.LANSettings.PrioritizedStation; ps != nil && ps.StationID != "" {
		p := &Prioritization{StationID: ps.StationID}
		if ps.PrioritizationEndTime != "" {
			end, err := time.Parse(time.RFC3339, ps.PrioritizationEndTime)
			if err != nil {
				return nil, newError(KindProtocol, op, fmt.Errorf("group %s: prioritization end time: %w", g.ID, err))
			}
			p.EndTime = end
		}
		sys.Prioritized = p
	}

	apStatus := make(map[string]string, len(st.APStatuses))
	for _, s := range st.APStatuses {
		apStatus[s.APID] = s.Status
	}

	for _, wap := range g.AccessPoints {
		if wap.ID == "" {
			return nil, newError(KindProtocol, op, fmt.Errorf("group %s: access point without id", g.ID))
		}
		ap := &AccessPoint{
			ID:              wap.ID,
			Name:            wap.AccessPointSettings.AccessPointOtherSettings.APName,
			Room:            wap.AccessPointSettings.AccessPointOtherSettings.RoomData.Name,
			Status:          apStatus[wap.ID],
			HardwareType:    wap.AccessPointProperties.HardwareType,
			FirmwareVersion: wap.AccessPointProperties.FirmwareVersion,
		}
		if in := wap.AccessPointSettings.LightingSettings.Intensity; in != nil {
			if *in < 0 || *in > 100 {
				return nil, newError(KindProtocol, op, fmt.Errorf("access point %s: intensity %d out of range", wap.ID, *in))
			}
			ap.Intensity = *in
		}
		sys.AccessPoints[ap.ID] = ap
	}

	traffic := make(map[string]Traffic, len(rt.StationMetrics))
	for _, m := range rt.StationMetrics {
		traffic[m.Station.ID] = Traffic{
			TransmitBps: float64(m.Traffic.TransmitSpeedBps),
			ReceiveBps:  float64(m.Traffic.ReceiveSpeedBps),
		}
	}

	for _, ws := range stations {
		dev, err := decodeStation(ws)
		if err != nil {
			return nil, err
		}
		dev.Traffic = traffic[dev.ID]
		sys.Devices[dev.ID] = dev
	}

	return sys, nil
}

// decodeStation converts one station entry. Entries this client cannot
// interpret are reported as KindUnsupportedDevice so that a refresh
// never publishes network counts computed from partial data.
func decodeStation(ws wireStation) (*Device, error) {
	const op = "decode station"

	if ws.ID == "" {
		return nil, newError(KindUnsupportedDevice, op, fmt.Errorf("station %q without id", ws.FriendlyName))
	}

	dev := &Device{
		ID:             ws.ID,
		Name:           ws.FriendlyName,
		FriendlyType:   ws.FriendlyType,
		UnfilteredType: ws.UnfilteredFriendlyType,
		MAC:            ws.MACAddress,
		Connected:      ws.Connected,
		APID:           ws.APID,
		Paused:         ws.Paused,
	}
	if dev.Name == "" {
		dev.Name = ws.ID
	}

	for _, raw := range ws.IPAddresses {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, newError(KindUnsupportedDevice, op, fmt.Errorf("station %s: address %q: %w", ws.ID, raw, err))
		}
		// The first IPv4 address wins; IPv6 addresses are kept only
		// when nothing else is present.
		if addr.Is4() {
			dev.IPAddress = addr.String()
			break
		}
		if dev.IPAddress == "" {
			dev.IPAddress = addr.String()
		}
	}

	return dev, nil
}

func decodeSpeedTest(body []byte) (*SpeedTestResult, error) {
	const op = "decode speed test"

	var res wireSpeedTestResults
	if err := decodeJSON(op, body, &res); err != nil {
		return nil, err
	}
	if len(res.SpeedTestResults) == 0 {
		return nil, nil
	}
	r := res.SpeedTestResults[0]
	ts, err := time.Parse(time.RFC3339, r.Timestamp)
	if err != nil {
		return nil, newError(KindProtocol, op, fmt.Errorf("timestamp %q: %w", r.Timestamp, err))
	}
	return &SpeedTestResult{
		UploadBps:   float64(r.TransmitWANSpeedBps),
		DownloadBps: float64(r.ReceiveWANSpeedBps),
		Timestamp:   ts,
	}, nil
}
