// Package telemetry forwards device registry changes to external sinks:
// retained per-device state on MQTT and numeric miner metrics in InfluxDB.
// Both sinks are optional and failures are logged, never propagated.
package telemetry
