package device

import "time"

// Source identifies which channel produced an update.
type Source string

const (
	// SourceConfig is a configuration announcement on the discovery channel.
	SourceConfig Source = "config"

	// SourceStatus is a periodic status beacon.
	SourceStatus Source = "status"

	// SourceQuery is a synchronous command-channel response.
	SourceQuery Source = "query"
)

// Metrics holds the mining telemetry reported by status beacons. The
// difficulty, share and uptime values are passed through as the firmware
// formats them.
type Metrics struct {
	HashRate  string  `json:"hash_rate"`
	Share     string  `json:"share"`
	NetDiff   string  `json:"net_diff"`
	PoolDiff  string  `json:"pool_diff"`
	LastDiff  string  `json:"last_diff"`
	BestDiff  string  `json:"best_diff"`
	Valid     int64   `json:"valid"`
	Progress  float64 `json:"progress"`
	Temp      float64 `json:"temp"`
	RSSI      float64 `json:"rssi"`
	FreeHeap  float64 `json:"free_heap"`
	Uptime    string  `json:"uptime"`
	PoolInUse string  `json:"pool_in_use"`
}

// defaultMetrics matches what the firmware shows before its first share.
func defaultMetrics() Metrics {
	return Metrics{
		HashRate: "0",
		Share:    "0/0",
		NetDiff:  "0",
		PoolDiff: "0",
		LastDiff: "0",
		BestDiff: "0",
		Uptime:   "0",
	}
}

// Record is the registry's view of one miner, identified by its IP address.
// Records contain no reference types, so a value copy is a deep copy.
type Record struct {
	Address         string    `json:"address"`
	BoardType       string    `json:"board_type"`
	FirmwareVersion string    `json:"firmware_version"`
	Metrics         Metrics   `json:"metrics"`
	IsOnline        bool      `json:"is_online"`
	FirstSeen       time.Time `json:"first_seen"`
	LastUpdate      time.Time `json:"last_update"`
	LastSource      Source    `json:"last_source"`

	// Revision increases with every committed change to the record.
	Revision uint64 `json:"revision"`
}

// Name returns the board type when known, otherwise the address.
func (r Record) Name() string {
	if r.BoardType != "" {
		return r.BoardType
	}
	return r.Address
}

// EventType classifies registry change notifications.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventOffline EventType = "offline"
)

// Event is delivered to observers after a registry change is committed.
type Event struct {
	Type   EventType
	Source Source
	Record Record

	// Patch is the change that produced a created or updated event.
	Patch Patch
}

// Observer receives registry events. It runs on the goroutine that made the
// change and must not block.
type Observer func(Event)

// Stats summarises the registry.
type Stats struct {
	Total    int            `json:"total"`
	Online   int            `json:"online"`
	Offline  int            `json:"offline"`
	BySource map[Source]int `json:"by_source"`
}
