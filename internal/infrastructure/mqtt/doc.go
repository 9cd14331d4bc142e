// Package mqtt publishes the console's view of the fleet to an MQTT broker.
//
// Topics:
//
//	nmfleet/state/{address}   retained DeviceRecord JSON, one per miner
//	nmfleet/push/{address}    configuration push reports
//	nmfleet/system/status     console online/offline (LWT)
//
// The client reconnects automatically with the backoff bounds in config.yaml.
// Publishing while disconnected returns ErrNotConnected and is never queued.
package mqtt
