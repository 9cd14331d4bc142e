// Package influxdb writes miner telemetry to InfluxDB v2.
//
// Each status beacon becomes one point in the miner_telemetry measurement,
// tagged by device address and board type. Writes are batched; failures are
// reported through SetOnError and never block the caller.
package influxdb
