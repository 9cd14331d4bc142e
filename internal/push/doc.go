// Package push delivers configuration records to miners over UDP.
//
// The firmware never acknowledges a configuration, so the only reliability
// mechanism is repetition: each push writes the same JSON datagram ten
// times, 100 ms apart, either to one device or to the segment broadcast
// address. A successful Push means the datagrams left this host. Callers
// must report it as "sent", not "applied"; confirmation only ever arrives
// indirectly through the device's next announcement.
package push
