package device

import (
	"strings"
	"sync"
	"time"
)

// BroadcastAddress is the reserved target meaning every device on the segment.
const BroadcastAddress = "0.0.0.0"

// Configuration is a full miner configuration as carried on the wire,
// both in device announcements and in console pushes.
type Configuration struct {
	IP string `json:"IP"`

	WiFiSSID string `json:"WiFiSSID"`
	WiFiPWD  string `json:"WiFiPWD"`

	PrimaryPool       string `json:"PrimaryPool"`
	PrimaryPassword   string `json:"PrimaryPassword"`
	PrimaryAddress    string `json:"PrimaryAddress"`
	SecondaryPool     string `json:"SecondaryPool"`
	SecondaryPassword string `json:"SecondaryPassword"`
	SecondaryAddress  string `json:"SecondaryAddress"`

	Timezone      int `json:"Timezone"`
	UIRefresh     int `json:"UIRefresh"`
	ScreenTimeout int `json:"ScreenTimeout"`
	Brightness    int `json:"Brightness"`

	SaveUptime     bool `json:"SaveUptime"`
	LedEnable      bool `json:"LedEnable"`
	RotateScreen   bool `json:"RotateScreen"`
	BTCPrice       bool `json:"BTCPrice"`
	AutoBrightness bool `json:"AutoBrightness"`
}

// DefaultConfiguration returns the firmware's factory device settings with
// empty credentials and pools, addressed to every device.
func DefaultConfiguration() Configuration {
	return Configuration{
		IP:             BroadcastAddress,
		Timezone:       8,
		UIRefresh:      2,
		ScreenTimeout:  60,
		Brightness:     100,
		SaveUptime:     true,
		LedEnable:      true,
		RotateScreen:   false,
		BTCPrice:       false,
		AutoBrightness: true,
	}
}

// Factory pool settings the firmware ships with.
const (
	FactoryPrimaryPool   = "stratum+tcp://public-pool.io:21496"
	FactorySecondaryPool = "stratum+tcp://pool.tazmining.ch:33333"
	FactoryPoolPassword  = "x"
)

// FactoryPreset returns DefaultConfiguration with the firmware's stock
// pools filled in. Credentials and payout addresses stay empty; the
// operator must supply them.
func FactoryPreset() Configuration {
	c := DefaultConfiguration()
	c.PrimaryPool = FactoryPrimaryPool
	c.PrimaryPassword = FactoryPoolPassword
	c.SecondaryPool = FactorySecondaryPool
	c.SecondaryPassword = FactoryPoolPassword
	return c
}

// IsBroadcast reports whether the configuration targets every device. Only
// the reserved address counts; an empty IP is a missing target.
func (c Configuration) IsBroadcast() bool {
	return strings.TrimSpace(c.IP) == BroadcastAddress
}

// Redacted returns a copy with WiFi and pool passwords masked, for logs
// and API responses.
func (c Configuration) Redacted() Configuration {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.WiFiPWD = mask(c.WiFiPWD)
	c.PrimaryPassword = mask(c.PrimaryPassword)
	c.SecondaryPassword = mask(c.SecondaryPassword)
	return c
}

// CachedConfiguration is a configuration last announced by a device.
type CachedConfiguration struct {
	Configuration Configuration `json:"configuration"`
	ReceivedAt    time.Time     `json:"received_at"`
}

// ConfigCache remembers the most recent configuration announced by each
// device, for pre-filling later pushes. It is a convenience copy, never the
// source of truth; each announcement replaces the previous entry.
//
// All methods are thread-safe.
type ConfigCache struct {
	mu      sync.RWMutex
	entries map[string]CachedConfiguration
}

// NewConfigCache creates an empty cache.
func NewConfigCache() *ConfigCache {
	return &ConfigCache{entries: make(map[string]CachedConfiguration)}
}

// Put stores cfg for address, replacing any earlier entry.
func (c *ConfigCache) Put(address string, cfg Configuration, at time.Time) {
	c.mu.Lock()
	c.entries[address] = CachedConfiguration{Configuration: cfg, ReceivedAt: at}
	c.mu.Unlock()
}

// Get returns the cached configuration for address.
func (c *ConfigCache) Get(address string) (CachedConfiguration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[address]
	return e, ok
}

// Len returns the number of cached configurations.
func (c *ConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
