package mqtt

import "fmt"

// TopicPrefix is the root of every topic the console publishes.
const TopicPrefix = "nmfleet"

// Topics builds nmfleet MQTT topic names.
//
//	mqtt.Topics{}.DeviceState("192.168.1.40")
//	// Returns: "nmfleet/state/192.168.1.40"
type Topics struct{}

// DeviceState returns the retained state topic for one miner.
func (Topics) DeviceState(address string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, address)
}

// PushEvent returns the topic announcing a configuration push to address.
// Broadcast pushes use the address "broadcast".
func (Topics) PushEvent(address string) string {
	return fmt.Sprintf("%s/push/%s", TopicPrefix, address)
}

// SystemStatus returns the console's online/offline status topic (LWT).
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// AllDeviceStates matches every device state topic.
func (Topics) AllDeviceStates() string {
	return TopicPrefix + "/state/+"
}
