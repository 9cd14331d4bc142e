package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nerrad567/nmfleet/internal/device"
)

// message is one decoded datagram. Numbers are kept as json.Number so
// integer and string fields survive without float rounding.
type message map[string]any

// decodeMessage validates and decodes a raw datagram.
func decodeMessage(data []byte) (message, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidUTF8
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}
	if m == nil {
		return nil, ErrInvalidJSON
	}
	// One datagram carries exactly one object; trailing whitespace is fine.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidJSON)
	}
	return m, nil
}

// str returns the field as a string. Numbers are accepted in their textual
// form; any other type counts as absent.
func (m message) str(key string) *string {
	switch v := m[key].(type) {
	case string:
		return &v
	case json.Number:
		s := v.String()
		return &s
	default:
		return nil
	}
}

// float returns the field as a float64, accepting numeric strings.
func (m message) float(key string) *float64 {
	var f float64
	var err error
	switch v := m[key].(type) {
	case json.Number:
		f, err = v.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// integer returns the field as an int64. Fractional values are truncated.
func (m message) integer(key string) *int64 {
	if v, ok := m[key].(json.Number); ok {
		if n, err := v.Int64(); err == nil {
			return &n
		}
	}
	f := m.float(key)
	if f == nil || *f > math.MaxInt64 || *f < math.MinInt64 {
		return nil
	}
	n := int64(*f)
	return &n
}

// boolean returns the field as a bool. Firmware builds have been seen
// sending flags as true/false, 0/1 and "true"/"false".
func (m message) boolean(key string) *bool {
	switch v := m[key].(type) {
	case bool:
		return &v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		b := f != 0
		return &b
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		return &b
	default:
		return nil
	}
}

// formatUptime keeps the day and clock parts of the firmware uptime string,
// e.g. "3d 04:05:06 up" becomes "3d 04:05:06".
func formatUptime(raw string) string {
	parts := strings.Fields(raw)
	switch len(parts) {
	case 0:
		return "0d 00:00:00"
	case 1:
		return parts[0]
	default:
		return parts[0] + " " + parts[1]
	}
}

// statusPatch extracts the telemetry fields of a status beacon.
func statusPatch(m message) device.Patch {
	p := device.Patch{
		BoardType:       m.str("BoardType"),
		FirmwareVersion: m.str("Version"),
		HashRate:        m.str("HashRate"),
		Share:           m.str("Share"),
		NetDiff:         m.str("NetDiff"),
		PoolDiff:        m.str("PoolDiff"),
		LastDiff:        m.str("LastDiff"),
		BestDiff:        m.str("BestDiff"),
		Valid:           m.integer("Valid"),
		Progress:        m.float("Progress"),
		Temp:            m.float("Temp"),
		RSSI:            m.float("RSSI"),
		FreeHeap:        m.float("FreeHeap"),
		PoolInUse:       m.str("PoolInUse"),
	}
	if up := m.str("Uptime"); up != nil {
		p.Uptime = device.Ptr(formatUptime(*up))
	}
	return p
}

// announcementPatch extracts the descriptive fields of a configuration
// announcement.
func announcementPatch(m message) device.Patch {
	return device.Patch{
		BoardType:       m.str("BoardType"),
		FirmwareVersion: m.str("Version"),
		PoolInUse:       m.str("PoolInUse"),
	}
}

// configurationFrom builds a Configuration from an announcement, keeping
// factory defaults for every key the device left out.
func configurationFrom(m message) device.Configuration {
	cfg := device.DefaultConfiguration()

	setStr := func(dst *string, key string) {
		if v := m.str(key); v != nil {
			*dst = *v
		}
	}
	setInt := func(dst *int, key string) {
		if v := m.integer(key); v != nil {
			*dst = int(*v)
		}
	}
	setBool := func(dst *bool, key string) {
		if v := m.boolean(key); v != nil {
			*dst = *v
		}
	}

	setStr(&cfg.IP, "IP")
	setStr(&cfg.WiFiSSID, "WiFiSSID")
	setStr(&cfg.WiFiPWD, "WiFiPWD")
	setStr(&cfg.PrimaryPool, "PrimaryPool")
	setStr(&cfg.PrimaryPassword, "PrimaryPassword")
	setStr(&cfg.PrimaryAddress, "PrimaryAddress")
	setStr(&cfg.SecondaryPool, "SecondaryPool")
	setStr(&cfg.SecondaryPassword, "SecondaryPassword")
	setStr(&cfg.SecondaryAddress, "SecondaryAddress")

	setInt(&cfg.Timezone, "Timezone")
	setInt(&cfg.UIRefresh, "UIRefresh")
	setInt(&cfg.ScreenTimeout, "ScreenTimeout")
	setInt(&cfg.Brightness, "Brightness")

	setBool(&cfg.SaveUptime, "SaveUptime")
	setBool(&cfg.LedEnable, "LedEnable")
	setBool(&cfg.RotateScreen, "RotateScreen")
	setBool(&cfg.BTCPrice, "BTCPrice")
	setBool(&cfg.AutoBrightness, "AutoBrightness")

	return cfg
}
