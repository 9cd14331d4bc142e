// Package command speaks the miner's line-oriented text protocol over a
// serial port or TCP connection.
//
// Commands are plain words terminated by CRLF ("status", "config", "start",
// "stop", "reboot", "fan N") plus one JSON line carrying WiFi credentials.
// Replies are free text; the console recognises a fixed set of phrases via
// an ordered rule list (see Classify) and reports anything else as a generic
// or ambiguous result rather than guessing.
//
// Every synchronous operation returns a Result, one of *Status,
// *ConfigSnapshot, *WiFiProvisioning or *Failure. Fire-and-forget commands
// return only an error.
package command
