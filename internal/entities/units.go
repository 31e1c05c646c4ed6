package entities

import (
	"fmt"
	"strconv"
)

// DefaultSpeedUnit is used when no speed unit is configured.
const DefaultSpeedUnit = "Mbit/s"

// bpsPerUnit maps a display unit to the number of bits per second in
// one unit. Prefixes are decimal.
var bpsPerUnit = map[string]float64{
	"bit/s":  1,
	"kbit/s": 1e3,
	"Mbit/s": 1e6,
	"Gbit/s": 1e9,
	"B/s":    8,
	"kB/s":   8e3,
	"MB/s":   8e6,
	"GB/s":   8e9,
}

// ConvertBps converts a rate in bits per second into unit.
func ConvertBps(bps float64, unit string) (float64, error) {
	div, ok := bpsPerUnit[unit]
	if !ok {
		return 0, fmt.Errorf("unsupported speed unit %q", unit)
	}
	return bps / div, nil
}

// formatRate renders a converted rate with two decimals.
func formatRate(bps float64, unit string) string {
	v, err := ConvertBps(bps, unit)
	if err != nil {
		return PayloadNone
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
