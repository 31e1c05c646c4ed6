package coordinator

import (
	"net/netip"
	"strconv"

	"github.com/nugget/meshbridge/internal/wifi"
)

// SubnetPrefix returns the first three octets of an IPv4 address, e.g.
// "192.168.86" for "192.168.86.20". It reports false for anything that
// is not a valid IPv4 address, including IPv4-mapped IPv6.
func SubnetPrefix(addr string) (string, bool) {
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		return "", false
	}
	b := ip.As4()
	return strconv.Itoa(int(b[0])) + "." + strconv.Itoa(int(b[1])) + "." + strconv.Itoa(int(b[2])), true
}

// Classify labels a device's network segment relative to the system's
// main prefix (as returned by [SubnetPrefix]; "" when unknown). Rules
// apply in order:
//
//  1. connected on the main prefix: main
//  2. connected on another prefix, not a fixed mesh point: guest
//  3. a fixed mesh point: main, whatever its address
//  4. anything else: unclassified
//
// A guest label needs both prefixes known. A connected device without
// an IPv4 address, or on a system whose DHCP pool is unknown, stays
// unclassified instead of being counted as a guest.
func Classify(dev *wifi.Device, mainPrefix string) wifi.Network {
	devPrefix, hasAddr := SubnetPrefix(dev.IPAddress)

	if dev.Connected && hasAddr && mainPrefix != "" {
		if devPrefix == mainPrefix {
			return wifi.NetworkMain
		}
		if !dev.IsFixedAP() {
			return wifi.NetworkGuest
		}
	}
	if dev.IsFixedAP() {
		return wifi.NetworkMain
	}
	return wifi.NetworkUnclassified
}
