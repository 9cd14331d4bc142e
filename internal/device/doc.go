// Package device holds the console's live view of the miner fleet.
//
// The Registry maps each miner's IP address to a Record and applies
// field-level merges from the discovery listener and synchronous queries:
// a field absent from a message never overwrites what is stored. Every
// merge marks the device online and stamps LastUpdate.
//
// The ConfigCache keeps the last configuration each device announced so
// a push form can be pre-filled. It is non-authoritative.
//
// Usage:
//
//	reg := device.NewRegistry()
//	reg.AddObserver(func(ev device.Event) { ... })
//	created, err := reg.Upsert("192.168.1.40",
//	    device.Patch{BoardType: device.Ptr("NMAxe")}, device.SourceConfig, time.Now())
package device
