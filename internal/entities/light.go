package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/wifi"
)

// DefaultBrightness is the intensity, in percent, used to turn a light
// on before any non-zero intensity has been observed.
const DefaultBrightness = 50

// lightState is the JSON schema payload for state and command topics.
type lightState struct {
	State      string `json:"state"`
	ColorMode  string `json:"color_mode,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
}

// AccessPointLight controls an access point's status light.
type AccessPointLight struct {
	base
	apID string
	ctrl Controller

	mu             sync.Mutex
	lastBrightness int // percent
}

func newAccessPointLight(systemID string, ap *wifi.AccessPoint, ctrl Controller) *AccessPointLight {
	return &AccessPointLight{
		base: base{
			uid:       uniqueID(ap.ID, "light"),
			name:      ap.DisplayName() + " Light",
			component: Light,
			systemID:  systemID,
			device:    accessPointDevice(systemID, ap),
			enabled:   true,
		},
		apID:           ap.ID,
		ctrl:           ctrl,
		lastBrightness: DefaultBrightness,
	}
}

func (e *AccessPointLight) Discovery() Discovery {
	return Discovery{JSONSchema: true}
}

func (e *AccessPointLight) State(snap *coordinator.Snapshot) State {
	ap := lookupAP(snap, e.systemID, e.apID)
	if ap == nil {
		return State{}
	}

	if ap.Intensity > 0 {
		e.remember(ap.Intensity)
	}

	b := PercentToBrightness(ap.Intensity)
	st := lightState{State: onOff(ap.Intensity > 0), Brightness: &b}
	if ap.Intensity > 0 {
		st.ColorMode = "brightness"
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return State{}
	}
	return State{Value: string(payload), Available: true}
}

// LastBrightness returns the intensity, in percent, a bare "on" command
// restores.
func (e *AccessPointLight) LastBrightness() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBrightness
}

func (e *AccessPointLight) remember(percent int) {
	e.mu.Lock()
	e.lastBrightness = percent
	e.mu.Unlock()
}

// Command accepts either a JSON schema payload or a bare ON/OFF.
func (e *AccessPointLight) Command(ctx context.Context, action string, payload []byte) error {
	if action != "" {
		return fmt.Errorf("%w: unknown action %q", ErrBadPayload, action)
	}

	var cmd lightState
	raw := strings.TrimSpace(string(payload))
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	} else {
		cmd.State = raw
	}

	var percent int
	switch strings.ToUpper(cmd.State) {
	case PayloadOff:
		percent = 0
	case PayloadOn:
		percent = e.LastBrightness()
		if cmd.Brightness != nil {
			if *cmd.Brightness < 0 || *cmd.Brightness > 255 {
				return fmt.Errorf("%w: brightness %d", ErrBadPayload, *cmd.Brightness)
			}
			percent = BrightnessToPercent(*cmd.Brightness)
		}
	default:
		return fmt.Errorf("%w: state %q", ErrBadPayload, cmd.State)
	}

	if err := e.ctrl.Gateway().SetBrightness(ctx, e.apID, percent); err != nil {
		return err
	}
	if percent > 0 {
		e.remember(percent)
	}
	return nil
}

// PercentToBrightness maps a 0-100 intensity onto the 0-255 scale.
func PercentToBrightness(percent int) int {
	return (percent*255 + 50) / 100
}

// BrightnessToPercent maps a 0-255 brightness onto the 0-100 scale. A
// non-zero brightness never rounds down to off.
func BrightnessToPercent(b int) int {
	p := (b*100 + 127) / 255
	if p == 0 && b > 0 {
		p = 1
	}
	return p
}
