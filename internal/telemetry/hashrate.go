package telemetry

import (
	"strconv"
	"strings"
)

var hashUnits = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
	'P': 1e15,
}

// ParseHashRate converts firmware hash-rate strings such as "512.3K",
// "1.20 MH/s" or "845" into hashes per second.
func ParseHashRate(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "H/s"), "h/s")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	mult := 1.0
	if m, ok := hashUnits[strings.ToUpper(s[len(s)-1:])[0]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v * mult, true
}
