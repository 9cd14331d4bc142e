package device

import "errors"

// Domain errors for the device package.
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when no record exists for an address.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidAddress is returned when an address is empty, not an IP,
	// or the reserved broadcast address.
	ErrInvalidAddress = errors.New("device: invalid address")
)
