package coordinator

import (
	"strconv"
	"testing"

	"github.com/nugget/meshbridge/internal/wifi"
)

func TestSubnetPrefix(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"192.168.86.20", "192.168.86", true},
		{"10.0.0.1", "10.0.0", true},
		{"", "", false},
		{"192.168.86", "", false},
		{"fe80::1", "", false},
		{"::ffff:192.168.86.20", "", false},
		{"not-an-ip", "", false},
	}
	for _, tt := range tests {
		got, ok := SubnetPrefix(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("SubnetPrefix(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestClassify(t *testing.T) {
	const main = "192.168.86"

	tests := []struct {
		name       string
		dev        wifi.Device
		mainPrefix string
		want       wifi.Network
	}{
		{
			name:       "connected on main prefix",
			dev:        wifi.Device{Connected: true, IPAddress: "192.168.86.40"},
			mainPrefix: main,
			want:       wifi.NetworkMain,
		},
		{
			name:       "connected on other prefix",
			dev:        wifi.Device{Connected: true, IPAddress: "192.168.87.40"},
			mainPrefix: main,
			want:       wifi.NetworkGuest,
		},
		{
			name:       "fixed AP on other prefix",
			dev:        wifi.Device{Connected: true, IPAddress: "192.168.87.2", UnfilteredType: wifi.FixedAPType},
			mainPrefix: main,
			want:       wifi.NetworkMain,
		},
		{
			name:       "disconnected fixed AP",
			dev:        wifi.Device{UnfilteredType: wifi.FixedAPType},
			mainPrefix: main,
			want:       wifi.NetworkMain,
		},
		{
			name:       "disconnected on main prefix",
			dev:        wifi.Device{IPAddress: "192.168.86.40"},
			mainPrefix: main,
			want:       wifi.NetworkUnclassified,
		},
		{
			name:       "connected without address",
			dev:        wifi.Device{Connected: true},
			mainPrefix: main,
			want:       wifi.NetworkUnclassified,
		},
		{
			name:       "connected with IPv6 only",
			dev:        wifi.Device{Connected: true, IPAddress: "fe80::1"},
			mainPrefix: main,
			want:       wifi.NetworkUnclassified,
		},
		{
			name:       "unknown main prefix",
			dev:        wifi.Device{Connected: true, IPAddress: "192.168.87.40"},
			mainPrefix: "",
			want:       wifi.NetworkUnclassified,
		},
		{
			name:       "unknown main prefix fixed AP",
			dev:        wifi.Device{Connected: true, IPAddress: "192.168.87.2", UnfilteredType: wifi.FixedAPType},
			mainPrefix: "",
			want:       wifi.NetworkMain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := tt.dev
			if got := Classify(&dev, tt.mainPrefix); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Every connected device on the main prefix is main and every connected
// non-AP device on a different prefix is guest, across the host range.
func TestClassify_PrefixSweep(t *testing.T) {
	const main = "10.20.30"
	for host := 1; host < 255; host++ {
		onMain := &wifi.Device{Connected: true, IPAddress: "10.20.30." + strconv.Itoa(host)}
		if got := Classify(onMain, main); got != wifi.NetworkMain {
			t.Fatalf("%s classified %q, want main", onMain.IPAddress, got)
		}
		offMain := &wifi.Device{Connected: true, IPAddress: "10.20.31." + strconv.Itoa(host)}
		if got := Classify(offMain, main); got != wifi.NetworkGuest {
			t.Fatalf("%s classified %q, want guest", offMain.IPAddress, got)
		}
		ap := &wifi.Device{Connected: true, IPAddress: "172.16.0." + strconv.Itoa(host), UnfilteredType: wifi.FixedAPType}
		if got := Classify(ap, main); got != wifi.NetworkMain {
			t.Fatalf("fixed AP %s classified %q, want main", ap.IPAddress, got)
		}
	}
}
