package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MinerMeasurement is the measurement name for miner beacon telemetry.
const MinerMeasurement = "miner_telemetry"

// WriteMinerTelemetry records one beacon's numeric fields for the miner at
// address. Empty field sets are skipped. The write is non-blocking.
//
// Example:
//
//	client.WriteMinerTelemetry("192.168.1.40", map[string]string{"board": "ESP32-2432S028R"},
//	    map[string]any{"hash_rate_hs": 512300.0, "temp_c": 47.0}, time.Now())
func (c *Client) WriteMinerTelemetry(address string, tags map[string]string, fields map[string]any, ts time.Time) {
	if len(fields) == 0 {
		return
	}

	allTags := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		if v != "" {
			allTags[k] = v
		}
	}
	allTags["address"] = address

	c.WritePointWithTime(MinerMeasurement, allTags, fields, ts)
}

// WritePointWithTime writes an arbitrary point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
