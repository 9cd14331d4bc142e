// Package discovery ingests the two unsolicited UDP streams miners emit.
//
// Configuration announcements arrive on one port (12346 by default) and
// carry an "IP" key identifying the device together with its full
// configuration. Telemetry beacons arrive on another (12345) and are keyed
// by the datagram's source address.
//
// Both loops poll with a short read deadline so Stop is noticed within one
// poll interval. Undecodable datagrams, unknown senders and handler panics
// are logged and counted; they never end a loop.
package discovery
