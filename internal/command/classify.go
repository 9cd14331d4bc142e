package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Firmware phrases the console recognises.
const (
	phraseWiFiTimeLeft = "WiFi configuration time left:"
	phraseFirmwareMD5  = "NMMiner Firmware md5"
	phraseTryConnect   = "Try to connect"
	phraseConnectedTo  = "Connected to"
	phraseSaveSSID     = "Save Wifi SSID"
	phraseSavePassword = "Save Wifi Password"
)

var (
	timeLeftPattern = regexp.MustCompile(`time left:\s*(\d+)`)
	md5Pattern      = regexp.MustCompile(`md5[^\[]*\[([^\]]*)\]`)
)

// Classification is the outcome of matching a reply against the rules.
type Classification struct {
	// Rule is the name of the matching rule, or "" for the fallback.
	Rule        string
	State       DeviceState
	TimeLeft    int
	FirmwareMD5 string
	Detail      string
}

// rule pairs a substring test with the classification it produces.
type rule struct {
	name  string
	match func(reply string) bool
	build func(reply string) Classification
}

// statusRules are evaluated top to bottom; the first match wins. A reply can
// contain several phrases at once, so the order is significant.
var statusRules = []rule{
	{
		name:  "wifi-provisioning",
		match: contains(phraseWiFiTimeLeft),
		build: func(reply string) Classification {
			return Classification{State: StateConfiguring, TimeLeft: parseTimeLeft(reply)}
		},
	},
	{
		name:  "firmware-md5",
		match: contains(phraseFirmwareMD5),
		build: func(reply string) Classification {
			return Classification{State: StateInitializing, FirmwareMD5: parseMD5(reply)}
		},
	},
	{
		name:  "connecting",
		match: contains(phraseTryConnect),
		build: func(reply string) Classification {
			return Classification{State: StateConnecting, Detail: reply}
		},
	},
}

// RuleNames returns the status rule names in evaluation order.
func RuleNames() []string {
	names := make([]string, len(statusRules))
	for i, r := range statusRules {
		names[i] = r.name
	}
	return names
}

// Classify matches reply against the status rules. Unrecognised replies
// yield the generic online classification with an empty Rule.
func Classify(reply string) Classification {
	for _, r := range statusRules {
		if r.match(reply) {
			c := r.build(reply)
			c.Rule = r.name
			return c
		}
	}
	return Classification{State: StateOnline, Detail: reply}
}

func contains(phrase string) func(string) bool {
	return func(s string) bool { return strings.Contains(s, phrase) }
}

func parseTimeLeft(reply string) int {
	m := timeLeftPattern.FindStringSubmatch(reply)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func parseMD5(reply string) string {
	i := strings.Index(reply, phraseFirmwareMD5)
	if i < 0 {
		return ""
	}
	m := md5Pattern.FindStringSubmatch(reply[i:])
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// deviceIDFor labels the status snapshot the way the console displays it.
func deviceIDFor(state DeviceState) string {
	switch state {
	case StateConfiguring:
		return "NM Device (WiFi Config Mode)"
	case StateInitializing:
		return "NM Device (Initializing)"
	case StateConnecting:
		return "NM Device (Connecting)"
	default:
		return "NM Device"
	}
}

// statusFrom converts a classification into the Status result.
func statusFrom(c Classification) *Status {
	return &Status{
		DeviceID:    deviceIDFor(c.State),
		State:       c.State,
		TimeLeft:    c.TimeLeft,
		FirmwareMD5: c.FirmwareMD5,
		Detail:      c.Detail,
		Recognized:  c.Rule != "",
	}
}

// wifiConfirmed reports whether the combined reply confirms both the SSID
// and the password were stored.
func wifiConfirmed(reply string) bool {
	return strings.Contains(reply, phraseSaveSSID) && strings.Contains(reply, phraseSavePassword)
}
